// Package sloghook writes casstack hook events to a log/slog logger.
package sloghook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/casstack"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	EvictEvery uint64
	WaitEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictCtr atomic.Uint64
	waitCtr  atomic.Uint64
}

var _ casstack.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) BufferEvicted(key, reason string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("casstack.buffer_evicted",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) CommitFailed(key, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("casstack.commit_failed",
		"key", h.redact(key),
		"op", op,
		"err", err)
}

func (h *Hooks) RollbackApplied(key string, restored bool) {
	if h.l == nil {
		return
	}
	lvl := slog.LevelInfo
	if !restored {
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "casstack.rollback_applied",
		"key", h.redact(key),
		"restored", restored)
}

func (h *Hooks) StampedeWaited(key string, attempts int, resolved bool) {
	if h.l == nil || !sample(h.opts.WaitEvery, &h.waitCtr) {
		return
	}
	h.l.Debug("casstack.stampede_waited",
		"key", h.redact(key),
		"attempts", attempts,
		"resolved", resolved)
}

func (h *Hooks) ShardFailed(index int, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("casstack.shard_failed",
		"shard", index,
		"op", op,
		"err", err)
}
