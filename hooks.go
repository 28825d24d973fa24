package casstack

// Hooks are callbacks for high-signal events raised by the layers.
// Implementations MUST be cheap and non-blocking; they run on the caller's goroutine.
type Hooks interface {
	// A buffered or transactional layer dropped its local copy of key because the
	// backing Store rejected or failed a write.
	// reason ∈ {"rejected", "error"}
	BufferEvicted(key, reason string)

	// A transaction commit stopped at op on key. err is nil for a plain conflict.
	CommitFailed(key, op string, err error)

	// Rollback visited key after a failed commit. restored is false when another
	// writer had already replaced the value this commit wrote.
	RollbackApplied(key string, restored bool)

	// A stampede-protected read waited for another caller to fill key.
	// resolved is false when the attempt budget ran out first.
	StampedeWaited(key string, attempts int, resolved bool)

	// A shard returned an error for op.
	ShardFailed(index int, op string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) BufferEvicted(string, string)       {}
func (NopHooks) CommitFailed(string, string, error) {}
func (NopHooks) RollbackApplied(string, bool)       {}
func (NopHooks) StampedeWaited(string, int, bool)   {}
func (NopHooks) ShardFailed(int, string, error)     {}

// Tee fans every event out to each of hs in order. Nil entries are skipped.
func Tee(hs ...Hooks) Hooks {
	out := make(tee, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

type tee []Hooks

func (t tee) BufferEvicted(key, reason string) {
	for _, h := range t {
		h.BufferEvicted(key, reason)
	}
}

func (t tee) CommitFailed(key, op string, err error) {
	for _, h := range t {
		h.CommitFailed(key, op, err)
	}
}

func (t tee) RollbackApplied(key string, restored bool) {
	for _, h := range t {
		h.RollbackApplied(key, restored)
	}
}

func (t tee) StampedeWaited(key string, attempts int, resolved bool) {
	for _, h := range t {
		h.StampedeWaited(key, attempts, resolved)
	}
}

func (t tee) ShardFailed(index int, op string, err error) {
	for _, h := range t {
		h.ShardFailed(index, op, err)
	}
}
