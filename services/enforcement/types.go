package enforcement

import (
	"time"
)

type RuleType string

const (
	RuleMangleTTL      RuleType = "mangle_ttl"
	RuleDropSharing    RuleType = "drop_sharing"
	RuleLimitBandwidth RuleType = "limit_bandwidth"
)

type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleExpired  RuleStatus = "expired"
	RuleDisabled RuleStatus = "disabled"
	RuleError    RuleStatus = "error"
)

// Rule is a network-level countermeasure installed on one MAC.
type Rule struct {
	MAC                      string
	Type                     RuleType
	Subject                  string
	Value                    int
	Status                   RuleStatus
	CreatedAt                time.Time
	ExpiresAt                *time.Time
	ViolationCountAtCreation int
	LastError                string
}

// ActiveAt is the single freshness check for rules. A nil ExpiresAt never expires.
func (r Rule) ActiveAt(now time.Time) bool {
	if r.Status != RuleActive {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// Overdue reports a rule still marked active whose expiry has passed.
func (r Rule) Overdue(now time.Time) bool {
	return r.Status == RuleActive && !r.ActiveAt(now)
}

type BlockReason string

const (
	ReasonTTLSharing BlockReason = "ttl_sharing"
	ReasonAbuse      BlockReason = "abuse"
	ReasonManual     BlockReason = "manual"
	ReasonSecurity   BlockReason = "security"
	ReasonSuspicious BlockReason = "suspicious"
)

// Valid reports whether r is a known reason.
func (r BlockReason) Valid() bool {
	switch r {
	case ReasonTTLSharing, ReasonAbuse, ReasonManual, ReasonSecurity, ReasonSuspicious:
		return true
	default:
		return false
	}
}

// Block rejects a MAC at portal entry.
type Block struct {
	MAC           string
	Subject       string
	Reason        BlockReason
	Permanent     bool
	AutoUnblockAt *time.Time
	Active        bool
	Violations    int
	Notes         string
	BlockedAt     time.Time
}

// ActiveAt is the single freshness check for blocks.
func (b Block) ActiveAt(now time.Time) bool {
	if !b.Active {
		return false
	}
	if b.Permanent || b.AutoUnblockAt == nil {
		return true
	}
	return b.AutoUnblockAt.After(now)
}

// Remaining is the time until the block lifts, zero when permanent or inactive.
func (b Block) Remaining(now time.Time) time.Duration {
	if !b.ActiveAt(now) || b.Permanent || b.AutoUnblockAt == nil {
		return 0
	}
	return b.AutoUnblockAt.Sub(now)
}

// ConnectionRecord is one live portal login counted against the subject's connection limit.
type ConnectionRecord struct {
	MAC               string
	SessionID         string
	Subject           string
	IP                string
	TTLClassification string
	LastActivity      time.Time
	Active            bool
	CreatedAt         time.Time
}

// LiveAt is the single freshness check for connection records.
func (c ConnectionRecord) LiveAt(now time.Time, inactivity time.Duration) bool {
	return c.Active && now.Sub(c.LastActivity) < inactivity
}
