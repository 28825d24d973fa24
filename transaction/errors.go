package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransaction is returned by Commit/Rollback without a matching Begin.
	ErrNoTransaction = errors.New("transaction: no transaction in progress")

	// ErrUncommitted is returned by Close when it had to discard pending writes.
	ErrUncommitted = errors.New("transaction: closed with uncommitted writes")

	// ErrTransactionClosed is returned by every operation on a committed or rolled back transaction.
	ErrTransactionClosed = errors.New("transaction: already closed")

	// ErrConflict means a conditional write was rejected at commit time.
	ErrConflict = errors.New("transaction: conflict")
)

// CommitError reports the operation a commit stopped at. Err is ErrConflict when
// the backend rejected a conditional write, otherwise the backend's error.
type CommitError struct {
	Key string // empty for flush and grouped writes without a single culprit
	Op  string
	Err error
}

func (e *CommitError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("transaction: commit failed at %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transaction: commit failed at %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
