package topology

import (
	"context"
	"log/slog"

	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/snoopmgr/session"
)

// Outcome is the result of removing one resource.
type Outcome int

const (
	Removed Outcome = iota
	AlreadyGone
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Removed:
		return "removed"
	case AlreadyGone:
		return "already_gone"
	default:
		return "failed"
	}
}

// ResourceKind names what a SweepResult refers to.
type ResourceKind string

const (
	ResourceTapLeg   ResourceKind = "tap_leg"
	ResourceRelayLeg ResourceKind = "relay_leg"
	ResourceBridge   ResourceKind = "bridge"
)

// SweepResult is the outcome for one resource.
type SweepResult struct {
	Kind    ResourceKind
	ID      string
	Outcome Outcome
	Err     error
}

// Sweep removes every resource recorded on sess: all legs first, then all
// bridges. Every recorded id is visited exactly once and no failure stops the
// sweep. Each removal gets its own RemoveTimeout; ctx only carries values, its
// cancellation and deadline are ignored.
func (b *Builder) Sweep(ctx context.Context, sess *session.CallSession) []SweepResult {
	tapLegs, relayLegs, bridges := sess.Resources()
	results := make([]SweepResult, 0, 6)
	base := context.WithoutCancel(ctx)

	remove := func(kind ResourceKind, id string, fn func(context.Context, string) error) {
		if id == "" {
			return
		}
		opCtx, cancel := context.WithTimeout(base, b.cfg.RemoveTimeout)
		defer cancel()
		results = append(results, b.record(sess, kind, id, fn(opCtx, id)))
	}
	for _, id := range tapLegs {
		remove(ResourceTapLeg, id, b.platform.Hangup)
	}
	for _, id := range relayLegs {
		remove(ResourceRelayLeg, id, b.platform.Hangup)
	}
	for _, id := range bridges {
		remove(ResourceBridge, id, b.platform.DestroyBridge)
	}
	return results
}

func (b *Builder) record(sess *session.CallSession, kind ResourceKind, id string, err error) SweepResult {
	res := SweepResult{Kind: kind, ID: id, Err: err}
	switch {
	case err == nil:
		res.Outcome = Removed
		slog.Debug("[Topology] Removed", "channel_id", sess.ChannelID, "kind", kind, "id", id)
	case ari.IsGone(err):
		res.Outcome = AlreadyGone
		slog.Debug("[Topology] Already gone", "channel_id", sess.ChannelID, "kind", kind, "id", id)
	default:
		res.Outcome = Failed
		slog.Warn("[Topology] Failed to remove resource", "channel_id", sess.ChannelID, "kind", kind, "id", id, "error", err)
	}
	return res
}

// Failures counts results with outcome Failed.
func Failures(results []SweepResult) int {
	n := 0
	for _, r := range results {
		if r.Outcome == Failed {
			n++
		}
	}
	return n
}
