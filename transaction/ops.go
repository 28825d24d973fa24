package transaction

import (
	"math"

	"github.com/unkn0wn-root/casstack"
)

// op is one deferred write. Exactly one is kept per key; later writes fold into it.
type op interface {
	name() string
	// rank orders ops at commit: riskier (more likely rejected) first.
	rank() int
}

type setOp struct {
	value  []byte
	expire casstack.Expire
}

type addOp struct {
	value  []byte
	expire casstack.Expire
}

type replaceOp struct {
	value  []byte
	expire casstack.Expire
}

// casOp carries the value the caller observed; commit requires the backend to still hold it.
type casOp struct {
	original []byte
	value    []byte
	expire   casstack.Expire
}

// step is one Increment (delta >= 0) or Decrement (delta < 0) call. initial is
// what the key holds after this step when it did not exist before the first one.
type step struct {
	delta   int64
	initial int64
}

type incDecOp struct {
	steps  []step
	expire casstack.Expire
}

type touchOp struct {
	expire casstack.Expire
}

type deleteOp struct{}

const (
	rankFlush = iota
	rankCAS
	rankReplace
	rankAdd
	rankCounter
	rankSet
	rankDelete
)

func (setOp) name() string     { return "set" }
func (addOp) name() string     { return "add" }
func (replaceOp) name() string { return "replace" }
func (casOp) name() string     { return "cas" }
func (incDecOp) name() string  { return "incdec" }
func (touchOp) name() string   { return "touch" }
func (deleteOp) name() string  { return "delete" }

func (setOp) rank() int     { return rankSet }
func (addOp) rank() int     { return rankAdd }
func (replaceOp) rank() int { return rankReplace }
func (casOp) rank() int     { return rankCAS }
func (incDecOp) rank() int  { return rankCounter }
func (touchOp) rank() int   { return rankCounter }
func (deleteOp) rank() int  { return rankDelete }

// pendingValue returns the value a set/add/replace/cas op will write.
func pendingValue(o op) ([]byte, bool) {
	switch p := o.(type) {
	case setOp:
		return p.value, true
	case addOp:
		return p.value, true
	case replaceOp:
		return p.value, true
	case casOp:
		return p.value, true
	}
	return nil, false
}

// retarget keeps the kind (and precondition) of a value op but changes what it writes.
func retarget(o op, value []byte, expire casstack.Expire) op {
	switch p := o.(type) {
	case addOp:
		return addOp{value: value, expire: expire}
	case replaceOp:
		return replaceOp{value: value, expire: expire}
	case casOp:
		return casOp{original: p.original, value: value, expire: expire}
	}
	return setOp{value: value, expire: expire}
}

// fold combines the queued op prev (nil if none) with next. ok is false when next
// cannot apply on top of prev (a counter over a non-numeric pending value); prev
// is returned unchanged in that case.
func fold(prev, next op) (op, bool) {
	if prev == nil {
		return next, true
	}
	switch n := next.(type) {
	case setOp, deleteOp:
		return next, true
	case addOp:
		return foldWrite(prev, n.value, n.expire, addOp{value: n.value, expire: n.expire}), true
	case replaceOp:
		return foldWrite(prev, n.value, n.expire, replaceOp{value: n.value, expire: n.expire}), true
	case casOp:
		if _, ok := prev.(touchOp); ok {
			return n, true
		}
		return foldWrite(prev, n.value, n.expire, n), true
	case incDecOp:
		return foldCounter(prev, n)
	case touchOp:
		return foldTouch(prev, n), true
	}
	return next, true
}

// foldWrite handles add/replace/cas following prev. The transaction only queues
// them after it has verified their precondition against its own view, so a prior
// value op already established the key's state and the new op only retargets it.
func foldWrite(prev op, value []byte, expire casstack.Expire, next op) op {
	switch prev.(type) {
	case addOp, replaceOp, casOp:
		return retarget(prev, value, expire)
	case touchOp:
		// touch required the key to exist; keep that requirement
		if _, ok := next.(addOp); ok {
			return replaceOp{value: value, expire: expire}
		}
		return next
	}
	// after set, delete or a counter the key's state is fully determined by this transaction
	return setOp{value: value, expire: expire}
}

func foldCounter(prev op, n incDecOp) (op, bool) {
	s := n.steps[len(n.steps)-1]
	switch p := prev.(type) {
	case deleteOp:
		return setOp{value: casstack.FormatCounter(s.initial), expire: n.expire}, true
	case touchOp:
		return n, true
	case incDecOp:
		return p.then(s, n.expire), true
	}
	v, _ := pendingValue(prev)
	cur, ok := casstack.ParseCounter(v)
	if !ok {
		return prev, false
	}
	return retarget(prev, casstack.FormatCounter(casstack.ApplyDelta(cur, s.delta)), n.expire), true
}

// then appends s to o. Consecutive steps merge into one when the merged step
// produces the same result for every starting value; an increment following a
// decrement does not, because the decrement may have been clamped at 0.
func (o incDecOp) then(s step, expire casstack.Expire) incDecOp {
	steps := make([]step, len(o.steps), len(o.steps)+1)
	copy(steps, o.steps)
	last := &steps[len(steps)-1]
	next := step{delta: s.delta, initial: casstack.ApplyDelta(last.initial, s.delta)}
	if last.delta < 0 && s.delta > 0 {
		steps = append(steps, next)
	} else {
		last.delta = addDelta(last.delta, s.delta)
		last.initial = next.initial
	}
	return incDecOp{steps: steps, expire: expire}
}

func foldTouch(prev op, n touchOp) op {
	switch p := prev.(type) {
	case incDecOp:
		return incDecOp{steps: p.steps, expire: n.expire}
	case deleteOp:
		return p
	case touchOp:
		return n
	}
	v, _ := pendingValue(prev)
	return retarget(prev, v, n.expire)
}

// addDelta sums two deltas, saturating at ±MaxInt64 so the result is always a
// valid offset for Increment or Decrement.
func addDelta(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < -math.MaxInt64-b:
		return -math.MaxInt64
	}
	return a + b
}
