// Package enforcement turns sharing violations into connection limits, TTL rules and blocks,
// each with automatic expiry, and forces devices off the network on request.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
	"hotspotd/services/sharing"
)

var (
	ErrLimitExceeded = fmt.Errorf("%w: connection limit reached", apperr.ErrConflict)
	ErrNotBlocked    = fmt.Errorf("%w: device is not blocked", apperr.ErrNotFound)
	ErrNoRule        = fmt.Errorf("%w: no enforcement rule", apperr.ErrNotFound)
)

// Repository persists enforcement state. UpdateRule runs fn against the locked
// (mac, rule_type) row; exists is false when the row is new.
type Repository interface {
	GetRule(ctx context.Context, mac string, t RuleType) (Rule, error)
	UpdateRule(ctx context.Context, mac string, t RuleType, fn func(r *Rule, exists bool) error) (Rule, error)
	ListRules(ctx context.Context, mac string) ([]Rule, error)

	GetBlock(ctx context.Context, mac string) (Block, error)
	SaveBlock(ctx context.Context, b Block) error
	ListBlocks(ctx context.Context) ([]Block, error)

	UpsertConnection(ctx context.Context, c ConnectionRecord) error
	CountLiveConnections(ctx context.Context, subject string, activeSince time.Time) (int, error)
	// DeactivateConnections ends the listed sessions of mac, or all of them when none are listed.
	DeactivateConnections(ctx context.Context, mac string, sessionIDs ...string) (int, error)
	DeactivateIdleConnections(ctx context.Context, before time.Time) (int, error)
	PurgeConnections(ctx context.Context, before time.Time) (int, error)
}

type Escalator struct {
	repo     Repository
	firewall Firewall
	kicker   *Kicker
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEscalator(repo Repository, firewall Firewall, kicker *Kicker, logger zerolog.Logger, now func() time.Time) (*Escalator, error) {
	if repo == nil {
		return nil, errors.New("enforcement repository is required")
	}
	if firewall == nil {
		return nil, errors.New("firewall is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Escalator{repo: repo, firewall: firewall, kicker: kicker, logger: logger, now: now}, nil
}

// LimitCheck is the outcome of a connection limit check.
type LimitCheck struct {
	Current int
	Limit   int
	Allowed bool
}

// CheckConnections counts the subject's live connections against limit.
func (e *Escalator) CheckConnections(ctx context.Context, settings config.Settings, subject string, limit int) (LimitCheck, error) {
	if !settings.Limits.Enabled {
		return LimitCheck{Limit: sharing.Unlimited, Allowed: true}, nil
	}
	current, err := e.repo.CountLiveConnections(ctx, subject, e.now().Add(-settings.Limits.Inactivity))
	if err != nil {
		return LimitCheck{}, fmt.Errorf("count connections: %w", err)
	}
	return LimitCheck{Current: current, Limit: limit, Allowed: current < limit}, nil
}

// RegisterConnection records a successful login against the subject.
func (e *Escalator) RegisterConnection(ctx context.Context, rec ConnectionRecord) error {
	now := e.now()
	rec.Active = true
	rec.LastActivity = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := e.repo.UpsertConnection(ctx, rec); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

// EndConnections deactivates the given portal sessions of mac, or every one of them.
func (e *Escalator) EndConnections(ctx context.Context, mac string, sessionIDs ...string) (int, error) {
	n, err := e.repo.DeactivateConnections(ctx, mac, sessionIDs...)
	if err != nil {
		return 0, fmt.Errorf("end connections: %w", err)
	}
	return n, nil
}

// ApplyTTLRule installs the TTL crippling rule on mac, or extends the active one.
// The returned bool is true when an existing rule was only extended.
func (e *Escalator) ApplyTTLRule(ctx context.Context, settings config.Settings, mac, subject string, violations int) (Rule, bool, error) {
	now := e.now()
	expires := now.Add(settings.TTLRule.Duration)

	var extended bool
	rule, err := e.repo.UpdateRule(ctx, mac, RuleMangleTTL, func(r *Rule, exists bool) error {
		if exists && r.ActiveAt(now) {
			extended = true
			if r.ExpiresAt != nil && expires.After(*r.ExpiresAt) {
				r.ExpiresAt = &expires
			}
			return nil
		}
		*r = Rule{
			MAC:                      mac,
			Type:                     RuleMangleTTL,
			Subject:                  subject,
			Value:                    settings.TTLRule.Value,
			Status:                   RuleActive,
			CreatedAt:                now,
			ExpiresAt:                &expires,
			ViolationCountAtCreation: violations,
		}
		return nil
	})
	if err != nil {
		return Rule{}, false, fmt.Errorf("store ttl rule: %w", err)
	}
	if extended {
		e.logger.Info().Str("mac", mac).Any("expires_at", rule.ExpiresAt).Msg("ttl rule extended")
		return rule, true, nil
	}

	if applyErr := e.firewall.ApplyTTL(ctx, mac, rule.Value); applyErr != nil {
		failed, err := e.repo.UpdateRule(ctx, mac, RuleMangleTTL, func(r *Rule, _ bool) error {
			r.Status = RuleError
			r.LastError = applyErr.Error()
			return nil
		})
		if err != nil {
			return Rule{}, false, fmt.Errorf("store ttl rule failure: %w", err)
		}
		e.logger.Warn().Err(applyErr).Str("mac", mac).Msg("ttl rule not installed")
		return failed, false, enforcementErr("apply ttl rule", applyErr)
	}

	e.logger.Info().Str("mac", mac).Str("subject", subject).Int("ttl", rule.Value).Time("expires_at", expires).Msg("ttl rule installed")
	return rule, false, nil
}

// RemoveRule deletes the network rule and disables the record, whatever the network outcome.
func (e *Escalator) RemoveRule(ctx context.Context, mac string, t RuleType) (Rule, error) {
	return e.retire(ctx, mac, t, RuleDisabled)
}

func (e *Escalator) retire(ctx context.Context, mac string, t RuleType, status RuleStatus) (Rule, error) {
	existing, err := e.repo.GetRule(ctx, mac, t)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Rule{}, ErrNoRule
		}
		return Rule{}, err
	}

	var removeErr error
	if existing.Status == RuleActive && t == RuleMangleTTL {
		removeErr = e.firewall.RemoveTTL(ctx, mac, existing.Value)
		if removeErr != nil {
			e.logger.Warn().Err(removeErr).Str("mac", mac).Msg("ttl rule removal failed")
		}
	}

	rule, err := e.repo.UpdateRule(ctx, mac, t, func(r *Rule, _ bool) error {
		r.Status = status
		if removeErr != nil {
			r.LastError = removeErr.Error()
		}
		return nil
	})
	if err != nil {
		return Rule{}, fmt.Errorf("store rule %s: %w", status, err)
	}
	if removeErr != nil {
		return rule, enforcementErr("remove rule", removeErr)
	}
	return rule, nil
}

func enforcementErr(op string, err error) error {
	if errors.Is(err, apperr.ErrEnforcement) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", apperr.ErrEnforcement, op, err)
}

// ActiveRules returns the rules on mac that are active now, expiring overdue ones on the way.
func (e *Escalator) ActiveRules(ctx context.Context, mac string) ([]Rule, error) {
	rules, err := e.repo.ListRules(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	now := e.now()
	var out []Rule
	for _, r := range rules {
		switch {
		case r.ActiveAt(now):
			out = append(out, r)
		case r.Overdue(now):
			if _, err := e.retire(ctx, r.MAC, r.Type, RuleExpired); err != nil && !errors.Is(err, apperr.ErrEnforcement) {
				return nil, err
			}
		}
	}
	return out, nil
}

// BlockRequest describes a block to place on a MAC.
type BlockRequest struct {
	MAC        string
	Subject    string
	Reason     BlockReason
	Duration   time.Duration
	Permanent  bool
	Violations int
	Notes      string
}

// Block places or replaces the block on a MAC.
func (e *Escalator) Block(ctx context.Context, req BlockRequest) (Block, error) {
	if !req.Reason.Valid() {
		return Block{}, fmt.Errorf("%w: unknown block reason %q", apperr.ErrValidation, req.Reason)
	}
	if !req.Permanent && req.Duration <= 0 {
		return Block{}, fmt.Errorf("%w: block duration must be positive", apperr.ErrValidation)
	}

	now := e.now()
	b := Block{
		MAC:        req.MAC,
		Subject:    req.Subject,
		Reason:     req.Reason,
		Permanent:  req.Permanent,
		Active:     true,
		Violations: req.Violations,
		Notes:      req.Notes,
		BlockedAt:  now,
	}
	if !req.Permanent {
		until := now.Add(req.Duration)
		b.AutoUnblockAt = &until
	}
	if err := e.repo.SaveBlock(ctx, b); err != nil {
		return Block{}, fmt.Errorf("store block: %w", err)
	}
	e.logger.Info().Str("mac", b.MAC).Str("reason", string(b.Reason)).Bool("permanent", b.Permanent).Msg("device blocked")
	return b, nil
}

// Unblock lifts the block on mac.
func (e *Escalator) Unblock(ctx context.Context, mac string) (Block, error) {
	b, err := e.repo.GetBlock(ctx, mac)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Block{}, ErrNotBlocked
		}
		return Block{}, err
	}
	if !b.Active {
		return b, ErrNotBlocked
	}
	b.Active = false
	if err := e.repo.SaveBlock(ctx, b); err != nil {
		return Block{}, fmt.Errorf("store unblock: %w", err)
	}
	if err := e.kicker.Release(ctx, mac); err != nil {
		e.logger.Warn().Err(err).Str("mac", mac).Msg("kick not released")
	}
	e.logger.Info().Str("mac", mac).Msg("device unblocked")
	return b, nil
}

// IsBlocked reports the first active block among macs. Blocks found past their
// unblock time are flipped inactive and persisted.
func (e *Escalator) IsBlocked(ctx context.Context, macs ...string) (Block, bool, error) {
	now := e.now()
	for _, mac := range macs {
		b, err := e.repo.GetBlock(ctx, mac)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return Block{}, false, fmt.Errorf("load block: %w", err)
		}
		if b.ActiveAt(now) {
			return b, true, nil
		}
		if b.Active {
			b.Active = false
			if err := e.repo.SaveBlock(ctx, b); err != nil {
				return Block{}, false, fmt.Errorf("store expired block: %w", err)
			}
		}
	}
	return Block{}, false, nil
}

// Decision is what the ladder did for one analysed request.
type Decision struct {
	Rule         *Rule
	RuleApplied  bool
	RuleExtended bool
	Block        *Block
	BlockPlaced  bool
	// Err carries a best-effort enforcement failure; the decision stands regardless.
	Err error
}

// Escalate climbs the ladder for an analysed request. Network failures are reported in
// Decision.Err and never returned as the error, which is reserved for store failures.
func (e *Escalator) Escalate(ctx context.Context, settings config.Settings, mac, subject string, a sharing.Analysis) (Decision, error) {
	var d Decision

	if settings.TTLRule.Enabled && a.Classification == sharing.Suspicious && a.Daily >= settings.TTLRule.AfterViolations {
		rule, extended, err := e.ApplyTTLRule(ctx, settings, mac, subject, a.Daily)
		switch {
		case err == nil:
			d.Rule, d.RuleApplied, d.RuleExtended = &rule, !extended, extended
		case errors.Is(err, apperr.ErrEnforcement):
			d.Rule, d.Err = &rule, err
		default:
			return Decision{}, err
		}
	}

	if settings.Block.AutoEnabled && a.StrictMode {
		existing, blocked, err := e.IsBlocked(ctx, mac)
		if err != nil {
			return Decision{}, err
		}
		if blocked {
			d.Block = &existing
		} else {
			b, err := e.Block(ctx, BlockRequest{
				MAC:        mac,
				Subject:    subject,
				Reason:     ReasonTTLSharing,
				Duration:   settings.Block.AutoDuration,
				Violations: a.Recent,
				Notes:      fmt.Sprintf("auto-blocked after %d ttl violations within %s", a.Recent, settings.Sharing.StrictWindow),
			})
			if err != nil {
				return Decision{}, err
			}
			d.Block, d.BlockPlaced = &b, true
		}
	}

	return d, nil
}

// Kick forces mac off the network through the configured strategies.
func (e *Escalator) Kick(ctx context.Context, mac string) KickResult {
	return e.kicker.Kick(ctx, mac)
}

// Release removes what earlier kicks left in place for mac.
func (e *Escalator) Release(ctx context.Context, mac string) error {
	return e.kicker.Release(ctx, mac)
}

// ReconcileReport counts what a reconciliation pass changed.
type ReconcileReport struct {
	ExpiredRules      int
	UnblockedDevices  int
	IdleConnections   int
	PurgedConnections int
}

// Reconcile applies every freshness check to stored state: overdue rules are removed from the
// network and marked expired, overdue blocks are lifted, idle connections deactivated and
// inactive ones past the inactivity window deleted.
func (e *Escalator) Reconcile(ctx context.Context, settings config.Settings) (ReconcileReport, error) {
	var report ReconcileReport
	now := e.now()

	rules, err := e.repo.ListRules(ctx, "")
	if err != nil {
		return report, fmt.Errorf("list rules: %w", err)
	}
	for _, r := range rules {
		if !r.Overdue(now) {
			continue
		}
		if _, err := e.retire(ctx, r.MAC, r.Type, RuleExpired); err != nil && !errors.Is(err, apperr.ErrEnforcement) {
			return report, err
		}
		report.ExpiredRules++
	}

	blocks, err := e.repo.ListBlocks(ctx)
	if err != nil {
		return report, fmt.Errorf("list blocks: %w", err)
	}
	for _, b := range blocks {
		if !b.Active || b.ActiveAt(now) {
			continue
		}
		b.Active = false
		if err := e.repo.SaveBlock(ctx, b); err != nil {
			return report, fmt.Errorf("store expired block: %w", err)
		}
		report.UnblockedDevices++
	}

	idle, err := e.repo.DeactivateIdleConnections(ctx, now.Add(-settings.Limits.Inactivity))
	if err != nil {
		return report, fmt.Errorf("deactivate idle connections: %w", err)
	}
	report.IdleConnections = idle

	purged, err := e.repo.PurgeConnections(ctx, now.Add(-settings.Limits.Inactivity))
	if err != nil {
		return report, fmt.Errorf("purge connections: %w", err)
	}
	report.PurgedConnections = purged
	return report, nil
}
