// Package orchestrator drives the tap lifecycle of each call from platform
// events: build the topology, register it with the relay, resume routing,
// and tear everything down exactly once when the call ends.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
	"github.com/sebas/calltap/internal/snoopmgr/session"
	"github.com/sebas/calltap/internal/snoopmgr/topology"
)

// Platform is the switching-platform control surface used per call.
type Platform interface {
	topology.Platform
	GetChannelVar(ctx context.Context, channelID, variable string) (string, error)
	ContinueInDialplan(ctx context.Context, channelID string, dest ari.Destination) error
	Subscribe(ctx context.Context, eventSource string) error
}

// Registrar announces calls to the relay.
type Registrar interface {
	Register(ctx context.Context, callID, uniqueID string, ports portalloc.Ports) error
	Unregister(ctx context.Context, callID string) error
}

// HealthChecker reports whether the relay can take new calls.
type HealthChecker interface {
	Healthy() bool
}

// TeardownTrigger selects which event ends a tap.
type TeardownTrigger string

const (
	// TeardownOnStasisEnd ends the tap when the primary channel leaves the
	// application, which happens as soon as routing resumes.
	TeardownOnStasisEnd TeardownTrigger = "stasis-end"
	// TeardownOnHangup keeps the tap until the primary channel is destroyed.
	TeardownOnHangup TeardownTrigger = "hangup"
)

// ParseTeardownTrigger validates a teardown_on setting.
func ParseTeardownTrigger(s string) (TeardownTrigger, error) {
	switch TeardownTrigger(s) {
	case "", TeardownOnStasisEnd:
		return TeardownOnStasisEnd, nil
	case TeardownOnHangup:
		return TeardownOnHangup, nil
	}
	return "", fmt.Errorf("invalid teardown trigger %q (want %q or %q)", s, TeardownOnStasisEnd, TeardownOnHangup)
}

// Config holds orchestrator settings.
type Config struct {
	TeardownOn      TeardownTrigger
	TeardownTimeout time.Duration // bound on each unregister, hangup or bridge destroy
}

// CallStarted is a primary channel entering the application.
type CallStarted struct {
	ChannelID string
	LinkedID  string
	UniqueID  string
	Args      Args
}

// CallEnded is a primary channel leaving the application.
type CallEnded struct {
	ChannelID string
}

type Orchestrator struct {
	platform  Platform
	registrar Registrar
	health    HealthChecker
	registry  *session.Registry
	builder   *topology.Builder
	alloc     portalloc.Allocator
	cfg       Config
}

func New(platform Platform, registrar Registrar, health HealthChecker, registry *session.Registry, builder *topology.Builder, alloc portalloc.Allocator, cfg Config) *Orchestrator {
	if cfg.TeardownOn == "" {
		cfg.TeardownOn = TeardownOnStasisEnd
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	return &Orchestrator{
		platform:  platform,
		registrar: registrar,
		health:    health,
		registry:  registry,
		builder:   builder,
		alloc:     alloc,
		cfg:       cfg,
	}
}

// Registry returns the session registry.
func (o *Orchestrator) Registry() *session.Registry {
	return o.registry
}

// HandleCallStarted taps a call and resumes its routing. Tap and forwarding
// legs re-entering the application are ignored. A tapped call re-entering the
// application keeps its tap and only has its routing resumed.
func (o *Orchestrator) HandleCallStarted(ctx context.Context, ev CallStarted) error {
	if ev.Args.IsTapLeg() || o.registry.IsOwnLeg(ev.ChannelID) {
		slog.Debug("[Orchestrator] Ignoring own leg", "channel_id", ev.ChannelID)
		return nil
	}

	dest := ev.Args.Destination()

	if _, exists := o.registry.Get(ev.ChannelID); exists {
		slog.Info("[Orchestrator] Tapped call re-entered application, resuming routing", "channel_id", ev.ChannelID)
		if err := o.resume(ctx, ev.ChannelID, dest); err != nil {
			slog.Warn("[Orchestrator] Failed to resume routing", "channel_id", ev.ChannelID, "error", err)
			return err
		}
		return nil
	}

	if o.health != nil && !o.health.Healthy() {
		slog.Warn("[Orchestrator] Relay unhealthy, routing call untapped", "channel_id", ev.ChannelID)
		return o.resume(ctx, ev.ChannelID, dest)
	}

	correlationID, err := o.resolveID(ctx, ev.ChannelID, "LINKEDID", ev.LinkedID)
	if err != nil {
		return o.degrade(ctx, ev.ChannelID, dest, fmt.Errorf("resolve correlation id: %w", err))
	}
	uniqueID, err := o.resolveID(ctx, ev.ChannelID, "UNIQUEID", ev.UniqueID)
	if err != nil {
		return o.degrade(ctx, ev.ChannelID, dest, fmt.Errorf("resolve unique id: %w", err))
	}

	ports := o.alloc.Allocate(correlationID)
	sess := session.NewCallSession(ev.ChannelID, correlationID, uniqueID, ports)
	if err := o.registry.Insert(sess); err != nil {
		return err
	}

	slog.Info("[Orchestrator] Call started",
		"channel_id", ev.ChannelID,
		"correlation_id", correlationID,
		"unique_id", uniqueID,
		"ports", ports.String(),
	)

	if err := o.builder.Build(ctx, sess, topology.NewPlan()); err != nil {
		return o.abort(ctx, sess, &dest, err)
	}

	if err := o.registrar.Register(ctx, correlationID, uniqueID, ports); err != nil {
		return o.abort(ctx, sess, &dest, fmt.Errorf("register with relay: %w", err))
	}
	sess.SetRegistered(true)

	if o.cfg.TeardownOn == TeardownOnHangup {
		if err := o.platform.Subscribe(ctx, "channel:"+ev.ChannelID); err != nil {
			return o.abort(ctx, sess, &dest, fmt.Errorf("subscribe to channel: %w", err))
		}
	}

	if err := o.platform.ContinueInDialplan(ctx, ev.ChannelID, dest); err != nil {
		return o.abort(ctx, sess, nil, fmt.Errorf("resume routing: %w", err))
	}

	if err := sess.Transition(session.StateActive); err != nil {
		// A concurrent teardown claimed the session first.
		slog.Debug("[Orchestrator] Session left setup early", "channel_id", ev.ChannelID, "state", sess.State())
		return nil
	}

	slog.Info("[Orchestrator] Call tapped",
		"channel_id", ev.ChannelID,
		"correlation_id", correlationID,
		"setup_time", time.Since(sess.CreatedAt),
	)
	return nil
}

// HandleCallEnded tears the call's tap down. Unknown channels and repeated
// calls are no-ops.
func (o *Orchestrator) HandleCallEnded(ctx context.Context, ev CallEnded) error {
	sess, ok := o.registry.BeginTeardown(ev.ChannelID)
	if !ok {
		slog.Debug("[Orchestrator] No session to end", "channel_id", ev.ChannelID)
		return nil
	}
	o.release(ctx, sess)
	return nil
}

// EndCall tears down an active tap on operator request. Calls still being
// set up are left alone. It reports whether a tap was released.
func (o *Orchestrator) EndCall(ctx context.Context, channelID string) bool {
	sess, ok := o.registry.Get(channelID)
	if !ok || sess.State() != session.StateActive {
		return false
	}
	if sess, ok = o.registry.BeginTeardown(channelID); !ok {
		return false
	}
	slog.Info("[Orchestrator] Ending call on request", "channel_id", channelID)
	o.release(ctx, sess)
	return true
}

// HandleEvent maps platform events onto CallStarted and CallEnded. Errors are
// logged by the handlers themselves.
func (o *Orchestrator) HandleEvent(ctx context.Context, e ari.Event) {
	if e.Channel == nil {
		return
	}
	switch e.Type {
	case ari.EventStasisStart:
		_ = o.HandleCallStarted(ctx, CallStarted{
			ChannelID: e.Channel.ID,
			LinkedID:  e.Channel.LinkedID,
			UniqueID:  e.Channel.UniqueID,
			Args:      ParseArgs(e.Args),
		})
	case ari.EventStasisEnd:
		if o.cfg.TeardownOn == TeardownOnStasisEnd {
			_ = o.HandleCallEnded(ctx, CallEnded{ChannelID: e.Channel.ID})
		}
	case ari.EventChannelDestroyed:
		_ = o.HandleCallEnded(ctx, CallEnded{ChannelID: e.Channel.ID})
	}
}

// EventHandler returns an ari.EventHandler that feeds events through d, keyed
// by channel id.
func (o *Orchestrator) EventHandler(ctx context.Context, d *Dispatcher) ari.EventHandler {
	return func(e ari.Event) {
		if e.Channel == nil {
			return
		}
		if !d.Dispatch(e.Channel.ID, func() { o.HandleEvent(ctx, e) }) {
			slog.Debug("[Orchestrator] Dropping event after shutdown", "type", e.Type, "channel_id", e.Channel.ID)
		}
	}
}

// Shutdown tears down every tracked call. Event dispatch must be stopped first.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, snap := range o.registry.List() {
		_ = o.HandleCallEnded(ctx, CallEnded{ChannelID: snap.ChannelID})
	}
}

// resolveID reads a channel variable, falling back to the event's value and
// then to the channel id when the variable is not set.
func (o *Orchestrator) resolveID(ctx context.Context, channelID, variable, fallback string) (string, error) {
	v, err := o.platform.GetChannelVar(ctx, channelID, variable)
	switch {
	case err == nil && v != "":
		return v, nil
	case err != nil && !ari.IsVariableNotFound(err):
		return "", err
	case fallback != "":
		return fallback, nil
	default:
		return channelID, nil
	}
}

// abort rolls back a failed setup. A caller hanging up mid-setup is not an
// error. Otherwise routing is resumed when dest is set and cause is returned.
func (o *Orchestrator) abort(ctx context.Context, sess *session.CallSession, dest *ari.Destination, cause error) error {
	if _, ok := o.registry.BeginTeardown(sess.ChannelID); ok {
		o.release(ctx, sess)
	}
	if ari.IsGone(cause) {
		slog.Info("[Orchestrator] Call left during setup", "channel_id", sess.ChannelID, "reason", cause)
		return nil
	}
	if dest == nil {
		slog.Error("[Orchestrator] Call setup failed", "channel_id", sess.ChannelID, "error", cause)
		return cause
	}
	return o.degrade(ctx, sess.ChannelID, *dest, cause)
}

// degrade logs a setup failure and lets the call proceed untapped. A channel
// that is already gone is logged at info and not resumed.
func (o *Orchestrator) degrade(ctx context.Context, channelID string, dest ari.Destination, cause error) error {
	if ari.IsGone(cause) {
		slog.Info("[Orchestrator] Call left during setup", "channel_id", channelID, "reason", cause)
		return nil
	}
	slog.Error("[Orchestrator] Call setup failed, routing untapped", "channel_id", channelID, "error", cause)
	if err := o.resume(ctx, channelID, dest); err != nil && !ari.IsGone(err) {
		slog.Warn("[Orchestrator] Failed to resume routing", "channel_id", channelID, "error", err)
	}
	return cause
}

func (o *Orchestrator) resume(ctx context.Context, channelID string, dest ari.Destination) error {
	err := o.platform.ContinueInDialplan(ctx, channelID, dest)
	if err != nil && ari.IsGone(err) {
		slog.Debug("[Orchestrator] Channel gone before routing resumed", "channel_id", channelID)
		return nil
	}
	return err
}

// release unregisters the call, sweeps its topology and drops the session.
// It never fails; problems are logged per resource. Cancelling ctx does not
// cut teardown short.
func (o *Orchestrator) release(ctx context.Context, sess *session.CallSession) {
	if sess.Registered() {
		o.unregister(ctx, sess)
	}

	results := o.builder.Sweep(ctx, sess)
	o.registry.Remove(sess.ChannelID)

	slog.Info("[Orchestrator] Call released",
		"channel_id", sess.ChannelID,
		"correlation_id", sess.CorrelationID,
		"resources", len(results),
		"failures", topology.Failures(results),
		"duration", time.Since(sess.CreatedAt),
	)
}

func (o *Orchestrator) unregister(ctx context.Context, sess *session.CallSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TeardownTimeout)
	defer cancel()
	if err := o.registrar.Unregister(ctx, sess.CorrelationID); err != nil {
		slog.Warn("[Orchestrator] Unregister failed", "channel_id", sess.ChannelID, "call_id", sess.CorrelationID, "error", err)
	}
	sess.SetRegistered(false)
}
