package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
	"hotspotd/services/enforcement"
	"hotspotd/services/identity"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/voucher"
)

// GetSessionStatus reports the session state, pending coin credit and the enforcement in force.
func (e *Engine) GetSessionStatus(ctx context.Context, rawMAC string) (out SessionStatus, err error) {
	ctx, span := e.start(ctx, "GetSessionStatus", rawMAC)
	defer func() { e.finish(span, "GetSessionStatus", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return SessionStatus{}, err
	}
	mac, verr := identity.NormalizeMAC(rawMAC)
	if verr != nil {
		return SessionStatus{Result: e.invalid(verr.Error())}, nil
	}

	now := e.now()
	out = SessionStatus{MAC: mac, State: session.StateDisconnected}
	s, err := e.ledger.Get(ctx, mac)
	switch {
	case err == nil:
		out.State, out.TimeLeft = s.StateAt(now), s.Remaining(now)
	case errors.Is(err, apperr.ErrNotFound):
	default:
		return SessionStatus{}, fmt.Errorf("load session: %w", err)
	}

	q, pending, err := e.arbiter.Pending(ctx, settings, mac)
	if err != nil {
		return SessionStatus{}, err
	}
	out.PendingCoins, out.PendingTime = q.TotalCoins, pending

	dev, err := e.identify(ctx, mac, nil)
	if err != nil {
		return SessionStatus{}, err
	}
	out.Enforcement.Subject = dev.Subject
	if out.Enforcement.Rules, err = e.escalator.ActiveRules(ctx, mac); err != nil {
		return SessionStatus{}, err
	}
	b, blocked, err := e.escalator.IsBlocked(ctx, dev.MACs()...)
	if err != nil {
		return SessionStatus{}, err
	}
	if blocked {
		out.Enforcement.Block = &b
		out.Enforcement.BlockRemaining = b.Remaining(now)
	}

	out.Result = e.result(StatusOK, string(out.State), messageData{TimeLeft: out.TimeLeft})
	return out, nil
}

// ConnectRequest is a portal login. Fingerprint is optional. SessionID names the portal
// session; logins repeated under it reuse one connection record.
type ConnectRequest struct {
	MAC         string
	IP          string
	SessionID   string
	Fingerprint *identity.Inputs
}

const maxSessionIDLength = 128

// Connect logs a device in: block check, identity, TTL analysis, escalation, connection
// limit, conversion of pending coins, then the session countdown.
func (e *Engine) Connect(ctx context.Context, req ConnectRequest) (out ConnectResult, err error) {
	ctx, span := e.start(ctx, "Connect", req.MAC)
	defer func() { e.finish(span, "Connect", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return ConnectResult{}, err
	}
	mac, verr := identity.NormalizeMAC(req.MAC)
	if verr != nil {
		return ConnectResult{Result: e.invalid(verr.Error())}, nil
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if len(sessionID) > maxSessionIDLength {
		return ConnectResult{Result: e.invalid("Session id is too long.")}, nil
	}

	dev, err := e.identify(ctx, mac, req.Fingerprint)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return ConnectResult{Result: e.invalid(err.Error())}, nil
		}
		return ConnectResult{}, err
	}
	out.Subject = dev.Subject

	if b, blocked, err := e.escalator.IsBlocked(ctx, dev.MACs()...); err != nil {
		return ConnectResult{}, err
	} else if blocked {
		out.Result = e.blocked(b, e.now())
		return out, nil
	}

	analysis, err := e.analyse(ctx, settings, dev, req.IP)
	if err != nil {
		return ConnectResult{}, err
	}
	out.Classification, out.ConnectionLimit = analysis.Classification, analysis.ConnectionLimit

	decision, err := e.escalator.Escalate(ctx, settings, mac, dev.Subject, analysis)
	if err != nil {
		return ConnectResult{}, err
	}
	out.Enforcement = decision
	e.announceDecision(ctx, mac, dev.Subject, decision)
	if decision.Block != nil && decision.Block.ActiveAt(e.now()) {
		out.Result = e.blocked(*decision.Block, e.now())
		return out, nil
	}

	// The login being replaced does not count against the limit. Without a portal session id
	// that is every earlier login of the device.
	var replaced []string
	if sessionID != "" {
		replaced = []string{sessionID}
	} else {
		sessionID = uuid.NewString()
	}
	if _, err := e.escalator.EndConnections(ctx, mac, replaced...); err != nil {
		return ConnectResult{}, err
	}
	check, err := e.escalator.CheckConnections(ctx, settings, dev.Subject, analysis.ConnectionLimit)
	if err != nil {
		return ConnectResult{}, err
	}
	if !check.Allowed {
		if dev.Fingerprint != nil {
			if _, err := e.identity.RecordViolation(ctx, dev.Fingerprint.ID, identity.ViolationConnection); err != nil {
				return ConnectResult{}, err
			}
		}
		e.metrics.action("limited")
		e.publish(ctx, EventLimited, actorSystem, mac, map[string]any{
			"subject": dev.Subject, "current": check.Current, "limit": check.Limit,
		})
		out.Result = e.result(StatusLimitExceeded, "limit_exceeded", messageData{})
		return out, nil
	}

	s, status, err := e.grant(ctx, settings, mac, req.IP)
	if err != nil {
		return ConnectResult{}, err
	}
	if status != StatusOK {
		out.Result = e.sessionFailure(status)
		return out, nil
	}

	if err := e.escalator.RegisterConnection(ctx, enforcement.ConnectionRecord{
		MAC:               mac,
		SessionID:         sessionID,
		Subject:           dev.Subject,
		IP:                req.IP,
		TTLClassification: string(analysis.Classification),
	}); err != nil {
		return ConnectResult{}, err
	}
	e.readmit(ctx, mac)

	now := e.now()
	out.Success = true
	out.SessionID = sessionID
	out.TimeLeft = s.Remaining(now)
	out.Result = e.result(StatusOK, "connected", messageData{TimeLeft: out.TimeLeft})
	e.publish(ctx, EventConnected, actorPortal, mac, map[string]any{
		"ip": req.IP, "subject": dev.Subject, "time_left_seconds": int(out.TimeLeft.Seconds()),
		"classification": string(analysis.Classification),
	})
	return out, nil
}

// analyse probes the device TTL, records the observation and any fingerprint violation.
func (e *Engine) analyse(ctx context.Context, settings config.Settings, dev device, ip string) (sharing.Analysis, error) {
	ttl, ok := e.detector.Probe(ctx, settings, ip)
	analysis, err := e.detector.Observe(ctx, settings, dev.MAC, dev.Subject, ttl, ok)
	if err != nil {
		return sharing.Analysis{}, err
	}
	e.metrics.observation(string(analysis.Classification))
	if analysis.Classification == sharing.Suspicious && dev.Fingerprint != nil {
		if _, err := e.identity.RecordViolation(ctx, dev.Fingerprint.ID, identity.ViolationTTL); err != nil {
			return sharing.Analysis{}, err
		}
	}
	return analysis, nil
}

// readmit lifts a firewall drop left by an earlier kick once the device is back online.
func (e *Engine) readmit(ctx context.Context, mac string) {
	if err := e.escalator.Release(ctx, mac); err != nil {
		e.logger.Warn().Err(err).Str("mac", mac).Msg("kick not released")
	}
}

func (e *Engine) announceDecision(ctx context.Context, mac, subject string, d enforcement.Decision) {
	if d.Err != nil {
		e.logger.Warn().Err(d.Err).Str("mac", mac).Msg("enforcement not fully applied")
	}
	if d.RuleApplied && d.Rule != nil {
		e.metrics.action("ttl_rule")
		e.publish(ctx, EventRuleApplied, actorSystem, mac, map[string]any{
			"subject": subject, "rule_type": string(d.Rule.Type), "value": d.Rule.Value, "expires_at": d.Rule.ExpiresAt,
		})
	}
	if d.BlockPlaced && d.Block != nil {
		e.metrics.action("auto_block")
		e.publish(ctx, EventBlocked, actorSystem, mac, map[string]any{
			"subject": subject, "reason": string(d.Block.Reason), "auto_unblock_at": d.Block.AutoUnblockAt,
		})
	}
}

// grant converts the pending coins of mac into session time and starts the countdown. A
// non-OK status reports a rejected transition.
func (e *Engine) grant(ctx context.Context, settings config.Settings, mac, ip string) (session.Session, Status, error) {
	q, purchased, validity, err := e.arbiter.Drain(ctx, settings, mac)
	if err != nil {
		return session.Session{}, "", err
	}

	var s session.Session
	if purchased > 0 {
		s, err = e.ledger.Credit(ctx, mac, ip, purchased, validity)
	} else {
		s, err = e.ledger.Connect(ctx, mac, 0)
	}
	switch {
	case err == nil:
		return s, StatusOK, nil
	case errors.Is(err, session.ErrValidityExpired):
		return s, StatusValidityExpired, nil
	case errors.Is(err, apperr.ErrNotFound):
		return s, StatusNotFound, nil
	default:
		if q.TotalCoins > 0 {
			e.logger.Error().Err(err).Str("mac", mac).Int("coins", q.TotalCoins).Msg("drained coins not credited")
		}
		return session.Session{}, "", err
	}
}

func (e *Engine) sessionFailure(status Status) Result {
	switch status {
	case StatusValidityExpired:
		return e.result(StatusValidityExpired, "validity_expired", messageData{})
	default:
		return e.notFound("No internet time left. Insert coins or redeem a voucher.")
	}
}

// Pause banks the running countdown on the device's request.
func (e *Engine) Pause(ctx context.Context, rawMAC string) (out CommandResult, err error) {
	ctx, span := e.start(ctx, "Pause", rawMAC)
	defer func() { e.finish(span, "Pause", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	mac, verr := identity.NormalizeMAC(rawMAC)
	if verr != nil {
		return CommandResult{Result: e.invalid(verr.Error())}, nil
	}
	if !settings.Session.PauseEnabled {
		return CommandResult{Result: e.invalid("Pausing is disabled on this hotspot.")}, nil
	}

	current, err := e.ledger.Get(ctx, mac)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return CommandResult{}, err
	}
	if err == nil && current.StateAt(e.now()) == session.StateConnected && current.Remaining(e.now()) < settings.Session.PauseMinRemaining {
		return CommandResult{Result: e.invalid("Not enough time left to pause.")}, nil
	}

	return e.pause(ctx, mac, actorPortal)
}

func (e *Engine) pause(ctx context.Context, mac, actor string) (CommandResult, error) {
	out := CommandResult{Command: CommandPause}
	s, err := e.ledger.Pause(ctx, mac)
	if err != nil {
		if session.IsStateError(err) || errors.Is(err, apperr.ErrNotFound) {
			out.Result = e.notFound("This device is not connected.")
			return out, nil
		}
		return CommandResult{}, err
	}
	if _, err := e.escalator.EndConnections(ctx, mac); err != nil {
		return CommandResult{}, err
	}
	out.Session = &s
	out.Result = e.result(StatusOK, "paused", messageData{TimeLeft: s.TimeLeft})
	e.publish(ctx, EventPaused, actor, mac, map[string]any{"time_left_seconds": int(s.TimeLeft.Seconds())})
	return out, nil
}

// Resume restarts a paused countdown on the device's request.
func (e *Engine) Resume(ctx context.Context, rawMAC, ip string) (out CommandResult, err error) {
	ctx, span := e.start(ctx, "Resume", rawMAC)
	defer func() { e.finish(span, "Resume", out.Result, err) }()

	if _, err = e.snapshot(ctx); err != nil {
		return CommandResult{}, err
	}
	mac, verr := identity.NormalizeMAC(rawMAC)
	if verr != nil {
		return CommandResult{Result: e.invalid(verr.Error())}, nil
	}
	dev, err := e.identify(ctx, mac, nil)
	if err != nil {
		return CommandResult{}, err
	}
	if b, blocked, err := e.escalator.IsBlocked(ctx, dev.MACs()...); err != nil {
		return CommandResult{}, err
	} else if blocked {
		return CommandResult{Result: e.blocked(b, e.now())}, nil
	}

	current, err := e.ledger.Get(ctx, mac)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return CommandResult{Result: e.notFound("This device has no paused session.")}, nil
	case err != nil:
		return CommandResult{}, err
	case current.StateAt(e.now()) != session.StatePaused:
		return CommandResult{Result: e.notFound("This device has no paused session.")}, nil
	}

	s, err := e.ledger.Connect(ctx, mac, 0)
	switch {
	case errors.Is(err, session.ErrValidityExpired):
		return CommandResult{Result: e.sessionFailure(StatusValidityExpired)}, nil
	case session.IsStateError(err):
		return CommandResult{Result: e.sessionFailure(StatusNotFound)}, nil
	case err != nil:
		return CommandResult{}, err
	}

	if err := e.escalator.RegisterConnection(ctx, enforcement.ConnectionRecord{
		MAC: mac, SessionID: uuid.NewString(), Subject: dev.Subject, IP: ip,
		TTLClassification: string(sharing.Unknown),
	}); err != nil {
		return CommandResult{}, err
	}
	e.readmit(ctx, mac)

	left := s.Remaining(e.now())
	e.publish(ctx, EventResumed, actorPortal, mac, map[string]any{"time_left_seconds": int(left.Seconds())})
	return CommandResult{
		Result:  e.result(StatusOK, "resumed", messageData{TimeLeft: left}),
		Command: CommandResumeForced,
		Session: &s,
	}, nil
}

// RedeemVoucher credits a voucher's time to mac and starts the countdown.
func (e *Engine) RedeemVoucher(ctx context.Context, code, rawMAC, ip string) (out VoucherResult, err error) {
	ctx, span := e.start(ctx, "RedeemVoucher", rawMAC)
	defer func() { e.finish(span, "RedeemVoucher", out.Result, err) }()

	settings, err := e.snapshot(ctx)
	if err != nil {
		return VoucherResult{}, err
	}
	mac, verr := identity.NormalizeMAC(rawMAC)
	if verr != nil {
		return VoucherResult{Result: e.invalid(verr.Error())}, nil
	}
	dev, err := e.identify(ctx, mac, nil)
	if err != nil {
		return VoucherResult{}, err
	}
	if b, blocked, err := e.escalator.IsBlocked(ctx, dev.MACs()...); err != nil {
		return VoucherResult{}, err
	} else if blocked {
		return VoucherResult{Result: e.blocked(b, e.now())}, nil
	}

	v, err := e.vouchers.Redeem(ctx, settings, code, mac)
	switch {
	case errors.Is(err, voucher.ErrDisabled):
		return VoucherResult{Result: e.invalid("Vouchers are disabled on this hotspot.")}, nil
	case errors.Is(err, apperr.ErrValidation), errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrExpired):
		return VoucherResult{Result: e.result(StatusInvalidVoucher, "invalid_voucher", messageData{})}, nil
	case err != nil:
		return VoucherResult{}, err
	}

	s, err := e.ledger.Credit(ctx, mac, ip, v.TimeValue, v.Validity)
	if err != nil {
		if rerr := e.vouchers.Restore(context.WithoutCancel(ctx), v); rerr != nil {
			e.logger.Error().Err(rerr).Str("mac", mac).Str("code", v.Code).Msg("redeemed voucher neither credited nor restored")
		}
		return VoucherResult{}, fmt.Errorf("credit voucher %s: %w", v.Code, err)
	}
	if err := e.escalator.RegisterConnection(ctx, enforcement.ConnectionRecord{
		MAC: mac, SessionID: uuid.NewString(), Subject: dev.Subject, IP: ip,
		TTLClassification: string(sharing.Unknown),
	}); err != nil {
		return VoucherResult{}, err
	}
	e.readmit(ctx, mac)

	e.publish(ctx, EventVoucherRedeemed, actorPortal, mac, map[string]any{
		"code": v.Code, "time_value_seconds": int(v.TimeValue.Seconds()),
		"time_left_seconds": int(s.Remaining(e.now()).Seconds()),
	})
	return VoucherResult{
		Result:   e.result(StatusOK, "voucher_redeemed", messageData{TimeLeft: v.TimeValue}),
		Success:  true,
		Code:     v.Code,
		Granted:  v.TimeValue,
		Validity: v.Validity,
	}, nil
}
