// Package sloghook logs loadguard events through log/slog with optional
// sampling of the high-volume ones. Keys are redacted by default.
package sloghook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/loadguard"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RejectEvery   uint64
	SelfHealEvery uint64
	RemoteEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	rejectCtr   atomic.Uint64
	selfHealCtr atomic.Uint64
	remoteCtr   atomic.Uint64
}

var _ loadguard.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if k == "" {
		return ""
	}
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

func (h *Hooks) PutFromLoadRejected(key, reason string) {
	if h.l == nil || !sample(h.opts.RejectEvery, &h.rejectCtr) {
		return
	}
	h.l.Debug("loadguard.put_from_load_rejected",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) SpeculativePutRolledBack(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("loadguard.speculative_put_rolled_back",
		"key", h.redact(key))
}

func (h *Hooks) LockTimeout(key, op string) {
	if h.l == nil {
		return
	}
	h.l.Warn("loadguard.lock_timeout",
		"key", h.redact(key),
		"op", op)
}

func (h *Hooks) CapacityExceeded(key string) {
	if h.l == nil {
		return
	}
	h.l.Warn("loadguard.capacity_exceeded",
		"key", h.redact(key))
}

func (h *Hooks) RegionError(op, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("loadguard.region_error",
		"op", op,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) SelfHeal(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("loadguard.self_heal",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) RemoteInvalidation(origin, key string) {
	if h.l == nil || !sample(h.opts.RemoteEvery, &h.remoteCtr) {
		return
	}
	h.l.Debug("loadguard.remote_invalidation",
		"origin", origin,
		"key", h.redact(key))
}

func (h *Hooks) PendingReclaimed(reclaimed, expired int) {
	if h.l == nil {
		return
	}
	lvl := slog.LevelDebug
	if expired > 0 {
		// Registrations outlived their retention: a loader never finished.
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "loadguard.pending_reclaimed",
		"reclaimed", reclaimed,
		"expired", expired)
}
