package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
	"hotspotd/services/enforcement"
	"hotspotd/services/identity"
	"hotspotd/services/session"
)

// CommandKind names an administrative action on one device.
type CommandKind string

const (
	CommandDisconnect   CommandKind = "disconnect"
	CommandPause        CommandKind = "pause"
	CommandResumeForced CommandKind = "resume_forced"
	CommandKick         CommandKind = "kick"
	CommandBlock        CommandKind = "block"
	CommandUnblock      CommandKind = "unblock"
	CommandRemoveRule   CommandKind = "remove_rule"
)

// Command is an administrative action and its target. Reason, Duration, Permanent and Notes
// only apply to blocks; RuleType only to remove_rule.
type Command struct {
	Kind      CommandKind
	MAC       string
	Reason    enforcement.BlockReason
	Duration  time.Duration
	Permanent bool
	Notes     string
	RuleType  enforcement.RuleType
}

// Validate normalises the target and fills block defaults from settings.
func (c *Command) Validate(settings config.Settings) error {
	mac, err := identity.NormalizeMAC(c.MAC)
	if err != nil {
		return err
	}
	c.MAC = mac

	switch c.Kind {
	case CommandDisconnect, CommandPause, CommandResumeForced, CommandKick, CommandUnblock:
		return nil
	case CommandRemoveRule:
		if c.RuleType == "" {
			c.RuleType = enforcement.RuleMangleTTL
		}
		return nil
	case CommandBlock:
		if c.Reason == "" {
			c.Reason = enforcement.ReasonManual
		}
		if !c.Reason.Valid() {
			return fmt.Errorf("%w: unknown block reason %q", apperr.ErrValidation, c.Reason)
		}
		if c.Permanent && !settings.Block.PermanentAllowed {
			return fmt.Errorf("%w: permanent blocks are not allowed", apperr.ErrValidation)
		}
		if c.Duration < 0 {
			return fmt.Errorf("%w: block duration must not be negative", apperr.ErrValidation)
		}
		if !c.Permanent && c.Duration == 0 {
			c.Duration = settings.Block.DefaultDuration
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", apperr.ErrValidation, c.Kind)
	}
}

// Apply validates and executes an administrative command.
func (e *Engine) Apply(ctx context.Context, cmd Command) (out CommandResult, err error) {
	ctx, span := e.start(ctx, "Apply", cmd.MAC)
	defer func() { e.finish(span, "Apply", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if verr := cmd.Validate(settings); verr != nil {
		return CommandResult{Result: e.invalid(verr.Error()), Command: cmd.Kind}, nil
	}
	e.logger.Info().Str("command", string(cmd.Kind)).Str("mac", cmd.MAC).Msg("admin command")

	switch cmd.Kind {
	case CommandDisconnect:
		out, err = e.disconnect(ctx, cmd.MAC, actorAdmin)
	case CommandPause:
		out, err = e.pause(ctx, cmd.MAC, actorAdmin)
	case CommandResumeForced:
		out, err = e.resumeForced(ctx, cmd.MAC)
	case CommandKick:
		out, err = e.kick(ctx, cmd.MAC, actorAdmin)
	case CommandBlock:
		out, err = e.block(ctx, cmd)
	case CommandUnblock:
		out, err = e.unblock(ctx, cmd.MAC)
	case CommandRemoveRule:
		out, err = e.removeRule(ctx, cmd.MAC, cmd.RuleType)
	}
	out.Command = cmd.Kind
	return out, err
}

func (e *Engine) disconnect(ctx context.Context, mac, actor string) (CommandResult, error) {
	s, err := e.ledger.Disconnect(ctx, mac)
	if err != nil {
		if session.IsStateError(err) || errors.Is(err, apperr.ErrNotFound) {
			return CommandResult{Result: e.notFound("This device is not connected.")}, nil
		}
		return CommandResult{}, err
	}
	if _, err := e.escalator.EndConnections(ctx, mac); err != nil {
		return CommandResult{}, err
	}
	e.publish(ctx, EventDisconnected, actor, mac, map[string]any{"time_left_seconds": int(s.TimeLeft.Seconds())})
	return CommandResult{Result: e.result(StatusOK, "disconnected", messageData{TimeLeft: s.TimeLeft}), Session: &s}, nil
}

func (e *Engine) resumeForced(ctx context.Context, mac string) (CommandResult, error) {
	s, err := e.ledger.ResumeForced(ctx, mac)
	if err != nil {
		if session.IsStateError(err) || errors.Is(err, apperr.ErrNotFound) {
			return CommandResult{Result: e.notFound("This device has no banked time.")}, nil
		}
		return CommandResult{}, err
	}
	left := s.Remaining(e.now())
	e.publish(ctx, EventResumed, actorAdmin, mac, map[string]any{"time_left_seconds": int(left.Seconds()), "forced": true})
	return CommandResult{Result: e.result(StatusOK, "resumed", messageData{TimeLeft: left}), Session: &s}, nil
}

// kick disconnects the session logically, then forces the device off the link. A failed
// link-layer kick is reported in the result and does not undo the disconnect.
func (e *Engine) kick(ctx context.Context, mac, actor string) (CommandResult, error) {
	out := CommandResult{}
	s, err := e.ledger.Disconnect(ctx, mac)
	switch {
	case err == nil:
		out.Session = &s
	case session.IsStateError(err), errors.Is(err, apperr.ErrNotFound):
	default:
		return CommandResult{}, err
	}
	if _, err := e.escalator.EndConnections(ctx, mac); err != nil {
		return CommandResult{}, err
	}

	res := e.escalator.Kick(ctx, mac)
	out.Kick = &res
	e.metrics.kick(res.Strategy)
	details := map[string]any{"strategy": res.Strategy}
	if res.Err != nil {
		details["error"] = res.Err.Error()
	}
	e.publish(ctx, EventKicked, actor, mac, details)
	out.Result = e.result(StatusOK, "kicked", messageData{})
	return out, nil
}

func (e *Engine) block(ctx context.Context, cmd Command) (CommandResult, error) {
	dev, err := e.identify(ctx, cmd.MAC, nil)
	if err != nil {
		return CommandResult{}, err
	}
	var violations int
	if dev.Fingerprint != nil {
		violations = dev.Fingerprint.TotalViolations()
	}
	b, err := e.escalator.Block(ctx, enforcement.BlockRequest{
		MAC:        cmd.MAC,
		Subject:    dev.Subject,
		Reason:     cmd.Reason,
		Duration:   cmd.Duration,
		Permanent:  cmd.Permanent,
		Violations: violations,
		Notes:      cmd.Notes,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return CommandResult{Result: e.invalid(err.Error())}, nil
		}
		return CommandResult{}, err
	}
	e.metrics.action("block")
	e.publish(ctx, EventBlocked, actorAdmin, cmd.MAC, map[string]any{
		"subject": dev.Subject, "reason": string(b.Reason), "permanent": b.Permanent, "auto_unblock_at": b.AutoUnblockAt,
	})

	out, err := e.kick(ctx, cmd.MAC, actorAdmin)
	if err != nil {
		return CommandResult{}, err
	}
	out.Block = &b
	out.Result = e.blocked(b, e.now())
	out.Result.Status = StatusOK
	return out, nil
}

func (e *Engine) unblock(ctx context.Context, mac string) (CommandResult, error) {
	b, err := e.escalator.Unblock(ctx, mac)
	if err != nil {
		if errors.Is(err, enforcement.ErrNotBlocked) {
			return CommandResult{Result: e.notFound("This device is not blocked.")}, nil
		}
		return CommandResult{}, err
	}
	e.metrics.action("unblock")
	e.publish(ctx, EventUnblocked, actorAdmin, mac, map[string]any{"reason": string(b.Reason)})
	return CommandResult{Result: e.result(StatusOK, "unblocked", messageData{}), Block: &b}, nil
}

func (e *Engine) removeRule(ctx context.Context, mac string, t enforcement.RuleType) (CommandResult, error) {
	rule, err := e.escalator.RemoveRule(ctx, mac, t)
	switch {
	case errors.Is(err, enforcement.ErrNoRule):
		return CommandResult{Result: e.notFound("This device has no such rule.")}, nil
	case errors.Is(err, apperr.ErrEnforcement):
		e.logger.Warn().Err(err).Str("mac", mac).Msg("rule disabled but network removal failed")
	case err != nil:
		return CommandResult{}, err
	}
	e.metrics.action("rule_removed")
	e.publish(ctx, EventRuleRemoved, actorAdmin, mac, map[string]any{"rule_type": string(rule.Type), "status": string(rule.Status)})
	return CommandResult{Result: e.result(StatusOK, "ok", messageData{})}, nil
}

// Sweep purges idle sessions and applies every expiry check to stored state.
func (e *Engine) Sweep(ctx context.Context) (out SweepReport, err error) {
	ctx, span := e.start(ctx, "Sweep", "")
	defer func() { e.finish(span, "Sweep", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	if out.PurgedSessions, err = e.ledger.PurgeIdle(ctx, settings.Session.InactiveTimeout); err != nil {
		return SweepReport{}, fmt.Errorf("purge idle sessions: %w", err)
	}
	rec, err := e.escalator.Reconcile(ctx, settings)
	if err != nil {
		return SweepReport{}, fmt.Errorf("reconcile enforcement: %w", err)
	}
	out.ExpiredRules, out.UnblockedDevices = rec.ExpiredRules, rec.UnblockedDevices
	out.IdleConnections, out.PurgedConnections = rec.IdleConnections, rec.PurgedConnections
	if out.ExpiredVouchers, err = e.vouchers.ExpireStale(ctx, settings); err != nil {
		return SweepReport{}, fmt.Errorf("expire vouchers: %w", err)
	}

	e.metrics.swept("sessions", out.PurgedSessions)
	e.metrics.swept("rules", out.ExpiredRules)
	e.metrics.swept("blocks", out.UnblockedDevices)
	e.metrics.swept("connections", out.IdleConnections)
	e.metrics.swept("connection_records", out.PurgedConnections)
	e.metrics.swept("vouchers", out.ExpiredVouchers)
	e.logger.Info().
		Int("purged_sessions", out.PurgedSessions).
		Int("expired_rules", out.ExpiredRules).
		Int("unblocked_devices", out.UnblockedDevices).
		Int("idle_connections", out.IdleConnections).
		Int("purged_connections", out.PurgedConnections).
		Int("expired_vouchers", out.ExpiredVouchers).
		Msg("sweep finished")
	out.Result = e.result(StatusOK, "ok", messageData{})
	return out, nil
}
