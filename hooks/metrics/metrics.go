// Package metricshook counts casstack hook events with VictoriaMetrics/metrics.
//
// Metrics live in their own *metrics.Set; expose it with WritePrometheus or
// register it globally with metrics.RegisterSet.
package metricshook

import (
	"fmt"
	"io"
	"strconv"

	"github.com/VictoriaMetrics/metrics"

	"github.com/unkn0wn-root/casstack"
)

type Hooks struct {
	set *metrics.Set
}

var _ casstack.Hooks = (*Hooks)(nil)

// New returns hooks writing to a fresh Set.
func New() *Hooks { return &Hooks{set: metrics.NewSet()} }

func (h *Hooks) Set() *metrics.Set { return h.set }

func (h *Hooks) WritePrometheus(w io.Writer) { h.set.WritePrometheus(w) }

func (h *Hooks) counter(name string, labels ...string) *metrics.Counter {
	return h.set.GetOrCreateCounter(series(name, labels...))
}

// series renders name{k1="v1",k2="v2"} from alternating label pairs.
func series(name string, labels ...string) string {
	if len(labels) == 0 {
		return name
	}
	s := name + "{"
	for i := 0; i+1 < len(labels); i += 2 {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", labels[i], labels[i+1])
	}
	return s + "}"
}

func (h *Hooks) BufferEvicted(_, reason string) {
	h.counter("casstack_buffer_evictions_total", "reason", reason).Inc()
}

func (h *Hooks) CommitFailed(_, op string, err error) {
	kind := "conflict"
	if err != nil {
		kind = "error"
	}
	h.counter("casstack_commit_failures_total", "op", op, "kind", kind).Inc()
}

func (h *Hooks) RollbackApplied(_ string, restored bool) {
	h.counter("casstack_rollbacks_total", "restored", strconv.FormatBool(restored)).Inc()
}

func (h *Hooks) StampedeWaited(_ string, attempts int, resolved bool) {
	h.counter("casstack_stampede_waits_total", "resolved", strconv.FormatBool(resolved)).Inc()
	h.set.GetOrCreateHistogram("casstack_stampede_wait_attempts").Update(float64(attempts))
}

func (h *Hooks) ShardFailed(index int, op string, _ error) {
	h.counter("casstack_shard_failures_total", "shard", strconv.Itoa(index), "op", op).Inc()
}
