// Package topology creates and removes the per-call tap topology on the
// switching platform: two snoop legs, two externalMedia legs and two mixing
// bridges joining them pairwise.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/snoopmgr/session"
)

// Platform is the subset of the ARI client used to build and sweep a topology.
type Platform interface {
	Snoop(ctx context.Context, req ari.SnoopRequest) error
	ExternalMedia(ctx context.Context, req ari.ExternalMediaRequest) error
	CreateBridge(ctx context.Context, bridgeID, bridgeType string) error
	AddChannels(ctx context.Context, bridgeID string, channelIDs ...string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	Hangup(ctx context.Context, channelID string) error
}

// LegTracker is told about every leg id before the leg is created, so events
// raised by our own legs can be recognised.
type LegTracker interface {
	TrackLegs(channelID string, ids ...string)
}

// Config holds the relay endpoint legs stream to.
type Config struct {
	RelayHost     string        // host the relay's UDP listeners are reachable on
	Codec         string        // externalMedia format, e.g. "slin16"
	RemoveTimeout time.Duration // bound on each hangup or bridge destroy in Sweep
}

// DefaultRemoveTimeout is used when Config.RemoveTimeout is unset.
const DefaultRemoveTimeout = 10 * time.Second

// Plan holds the ids chosen for one call's resources before any is created.
type Plan struct {
	TapLegs   [2]string
	RelayLegs [2]string
	Bridges   [2]string
}

// NewPlan generates fresh ids for every resource of a call.
func NewPlan() Plan {
	var p Plan
	for dir := 0; dir < 2; dir++ {
		p.TapLegs[dir] = "snoop-" + uuid.NewString()
		p.RelayLegs[dir] = "em-" + uuid.NewString()
		p.Bridges[dir] = "tapbr-" + uuid.NewString()
	}
	return p
}

// LegIDs returns every leg id in the plan.
func (p Plan) LegIDs() []string {
	return []string{p.TapLegs[0], p.TapLegs[1], p.RelayLegs[0], p.RelayLegs[1]}
}

// Builder builds and sweeps topologies. It is safe for concurrent use.
type Builder struct {
	platform Platform
	tracker  LegTracker
	cfg      Config
}

func NewBuilder(platform Platform, tracker LegTracker, cfg Config) *Builder {
	if cfg.Codec == "" {
		cfg.Codec = "slin16"
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = DefaultRemoveTimeout
	}
	return &Builder{platform: platform, tracker: tracker, cfg: cfg}
}

// SnoopArgs returns the application arguments tagging a tap leg.
func SnoopArgs(dir int) string {
	return "kind=snoop,dir=" + session.DirName(dir)
}

// Build creates the topology for sess: tap legs, then forwarding legs, then
// bridges. Each id is recorded on the session before its create request is
// sent, so a later Sweep addresses everything that may exist. The first
// failure stops the build and is returned wrapped.
func (b *Builder) Build(ctx context.Context, sess *session.CallSession, plan Plan) error {
	if b.tracker != nil {
		b.tracker.TrackLegs(sess.ChannelID, plan.LegIDs()...)
	}

	for dir := 0; dir < 2; dir++ {
		sess.SetTapLeg(dir, plan.TapLegs[dir])
		err := b.platform.Snoop(ctx, ari.SnoopRequest{
			ChannelID: sess.ChannelID,
			SnoopID:   plan.TapLegs[dir],
			Spy:       session.DirName(dir),
			AppArgs:   SnoopArgs(dir),
		})
		if err != nil {
			return fmt.Errorf("create %s tap leg: %w", session.DirName(dir), err)
		}
		slog.Debug("[Topology] Tap leg created", "channel_id", sess.ChannelID, "dir", session.DirName(dir), "leg_id", plan.TapLegs[dir])
	}

	ports := [2]int{sess.Ports.In, sess.Ports.Out}
	for dir := 0; dir < 2; dir++ {
		sess.SetRelayLeg(dir, plan.RelayLegs[dir])
		err := b.platform.ExternalMedia(ctx, ari.ExternalMediaRequest{
			ChannelID:    plan.RelayLegs[dir],
			ExternalHost: net.JoinHostPort(b.cfg.RelayHost, strconv.Itoa(ports[dir])),
			Format:       b.cfg.Codec,
			Direction:    "out",
		})
		if err != nil {
			return fmt.Errorf("create %s forwarding leg: %w", session.DirName(dir), err)
		}
		slog.Debug("[Topology] Forwarding leg created", "channel_id", sess.ChannelID, "dir", session.DirName(dir), "leg_id", plan.RelayLegs[dir], "port", ports[dir])
	}

	for dir := 0; dir < 2; dir++ {
		sess.SetBridge(dir, plan.Bridges[dir])
		if err := b.platform.CreateBridge(ctx, plan.Bridges[dir], "mixing"); err != nil {
			return fmt.Errorf("create %s bridge: %w", session.DirName(dir), err)
		}
		if err := b.platform.AddChannels(ctx, plan.Bridges[dir], plan.TapLegs[dir], plan.RelayLegs[dir]); err != nil {
			return fmt.Errorf("join %s bridge: %w", session.DirName(dir), err)
		}
	}

	slog.Info("[Topology] Tap topology built",
		"channel_id", sess.ChannelID,
		"correlation_id", sess.CorrelationID,
		"ports", sess.Ports.String(),
	)
	return nil
}
