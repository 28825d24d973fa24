package casstack

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned for keys a Store cannot address (e.g. empty).
	ErrInvalidKey = errors.New("casstack: invalid key")

	// ErrNilStore is returned by constructors handed a nil Store.
	ErrNilStore = errors.New("casstack: nil store")
)

// OpError reports an infrastructure failure of a single backend operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("casstack: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("casstack: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// WrapErr wraps err in an *OpError; nil stays nil.
func WrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Key: key, Err: err}
}

// ValidateKey rejects keys no Store can address.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
