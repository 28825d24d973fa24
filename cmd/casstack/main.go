// Command casstack runs single operations against a configured casstack stack.
//
//	casstack --backend=redis --redis-addrs=localhost:6379 set greeting hello --ttl=1m
//	CASSTACK_BACKEND=bbolt CASSTACK_BBOLT_PATH=/tmp/c.db casstack incr hits 1
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
