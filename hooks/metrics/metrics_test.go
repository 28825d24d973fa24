package metricshook

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeries(t *testing.T) {
	assert.Equal(t, "m", series("m"))
	assert.Equal(t, `m{a="1",b="x"}`, series("m", "a", "1", "b", "x"))
}

func TestCountsEvents(t *testing.T) {
	h := New()
	h.BufferEvicted("k", "error")
	h.BufferEvicted("k", "error")
	h.CommitFailed("k", "cas", nil)
	h.CommitFailed("k", "set", errors.New("down"))
	h.RollbackApplied("k", true)
	h.StampedeWaited("k", 3, false)
	h.ShardFailed(2, "get_multi", errors.New("down"))

	assert.Equal(t, uint64(2), h.counter("casstack_buffer_evictions_total", "reason", "error").Get())

	var buf bytes.Buffer
	h.WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, `casstack_commit_failures_total{op="cas",kind="conflict"} 1`)
	assert.Contains(t, out, `casstack_commit_failures_total{op="set",kind="error"} 1`)
	assert.Contains(t, out, `casstack_rollbacks_total{restored="true"} 1`)
	assert.Contains(t, out, `casstack_stampede_waits_total{resolved="false"} 1`)
	assert.Contains(t, out, `casstack_shard_failures_total{shard="2",op="get_multi"} 1`)
}
