// Package otelhook counts loadguard events with OpenTelemetry metrics.
// Keys are never recorded as attributes.
package otelhook

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/loadguard"
)

const name = "loadguard"

type Hooks struct {
	ns string

	rejected    metric.Int64Counter
	rolledBack  metric.Int64Counter
	lockTimeout metric.Int64Counter
	capacity    metric.Int64Counter
	regionErr   metric.Int64Counter
	selfHeal    metric.Int64Counter
	remote      metric.Int64Counter
	reclaimed   metric.Int64Counter
}

var _ loadguard.Hooks = (*Hooks)(nil)

// New registers the counters on meter. A nil meter uses the global
// provider. ns is attached to every measurement.
func New(meter metric.Meter, ns string) (*Hooks, error) {
	if meter == nil {
		meter = otel.Meter(name)
	}
	h := &Hooks{ns: ns}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&h.rejected, "loadguard/put_from_load_rejected", "Put-from-load attempts that did not land"},
		{&h.rolledBack, "loadguard/speculative_put_rolled_back", "Speculative writes removed after failed re-validation"},
		{&h.lockTimeout, "loadguard/lock_timeout", "Key locks not acquired in time"},
		{&h.capacity, "loadguard/capacity_exceeded", "Loads refused because too many were pending on a key"},
		{&h.regionErr, "loadguard/region_error", "Errors returned by the cache region"},
		{&h.selfHeal, "loadguard/self_heal", "Undecodable entries deleted on read"},
		{&h.remote, "loadguard/remote_invalidation", "Invalidations applied from peers"},
		{&h.reclaimed, "loadguard/pending_reclaimed", "Idle key records and expired registrations dropped by the sweeper"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("otelhook: create %s: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return h, nil
}

func (h *Hooks) add(c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	attrs = append(attrs, attribute.String("namespace", h.ns))
	c.Add(context.Background(), n, metric.WithAttributes(attrs...))
}

func (h *Hooks) PutFromLoadRejected(_, reason string) {
	h.add(h.rejected, 1, attribute.String("reason", reason))
}

func (h *Hooks) SpeculativePutRolledBack(string) { h.add(h.rolledBack, 1) }

func (h *Hooks) LockTimeout(_, op string) { h.add(h.lockTimeout, 1, attribute.String("op", op)) }

func (h *Hooks) CapacityExceeded(string) { h.add(h.capacity, 1) }

func (h *Hooks) RegionError(op, _ string, _ error) {
	h.add(h.regionErr, 1, attribute.String("op", op))
}

func (h *Hooks) SelfHeal(_, reason string) { h.add(h.selfHeal, 1, attribute.String("reason", reason)) }

func (h *Hooks) RemoteInvalidation(_, key string) {
	scope := "key"
	if key == "" {
		scope = "region"
	}
	h.add(h.remote, 1, attribute.String("scope", scope))
}

func (h *Hooks) PendingReclaimed(reclaimed, expired int) {
	if reclaimed > 0 {
		h.add(h.reclaimed, int64(reclaimed), attribute.String("kind", "idle"))
	}
	if expired > 0 {
		h.add(h.reclaimed, int64(expired), attribute.String("kind", "expired"))
	}
}
