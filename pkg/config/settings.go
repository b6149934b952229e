package config

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Settings is the immutable snapshot of tunables consulted by a single engine operation.
type Settings struct {
	Slot    SlotSettings
	Session SessionSettings
	Rates   RateTable
	Sharing SharingSettings
	Limits  LimitSettings
	TTLRule TTLRuleSettings
	Block   BlockSettings
	Voucher VoucherSettings
}

type SlotSettings struct {
	Timeout time.Duration `env:"SLOT_TIMEOUT,default=300s"`
}

type SessionSettings struct {
	// InactiveTimeout is how long a disconnected session is kept before the sweep purges it.
	InactiveTimeout   time.Duration `env:"SESSION_INACTIVE_TIMEOUT,default=1h"`
	PauseEnabled      bool          `env:"PAUSE_ENABLED,default=true"`
	PauseMinRemaining time.Duration `env:"PAUSE_MIN_REMAINING,default=0s"`
}

type SharingSettings struct {
	DetectionEnabled bool          `env:"TTL_DETECTION_ENABLED,default=true"`
	ExpectedTTL      int           `env:"TTL_EXPECTED,default=64"`
	Tolerance        int           `env:"TTL_TOLERANCE,default=2"`
	ProbeTimeout     time.Duration `env:"TTL_PROBE_TIMEOUT,default=5s"`
	StrictWindow     time.Duration `env:"TTL_STRICT_WINDOW,default=1h"`
}

type LimitSettings struct {
	Enabled       bool          `env:"LIMIT_CONNECTIONS,default=true"`
	Normal        int           `env:"LIMIT_NORMAL,default=3"`
	Suspicious    int           `env:"LIMIT_SUSPICIOUS,default=1"`
	MaxViolations int           `env:"LIMIT_MAX_VIOLATIONS,default=5"`
	Inactivity    time.Duration `env:"CONNECTION_INACTIVITY,default=30m"`
}

type TTLRuleSettings struct {
	Enabled         bool          `env:"TTL_RULE_ENABLED,default=false"`
	AfterViolations int           `env:"TTL_RULE_AFTER_VIOLATIONS,default=10"`
	Value           int           `env:"TTL_RULE_VALUE,default=1"`
	Duration        time.Duration `env:"TTL_RULE_DURATION,default=2h"`
	Window          time.Duration `env:"TTL_RULE_WINDOW,default=24h"`
}

type BlockSettings struct {
	AutoEnabled      bool          `env:"BLOCK_AUTO_ENABLED,default=false"`
	AutoDuration     time.Duration `env:"BLOCK_AUTO_DURATION,default=1h"`
	DefaultDuration  time.Duration `env:"BLOCK_DEFAULT_DURATION,default=24h"`
	PermanentAllowed bool          `env:"BLOCK_PERMANENT_ALLOWED,default=false"`
}

type VoucherSettings struct {
	Enabled    bool          `env:"VOUCHERS_ENABLED,default=true"`
	Lifetime   time.Duration `env:"VOUCHER_LIFETIME,default=720h"`
	CodeLength int           `env:"VOUCHER_CODE_LENGTH,default=6"`
}

// Clone returns a deep copy so callers cannot mutate a shared snapshot.
func (s Settings) Clone() Settings {
	out := s
	out.Rates.Rates = append(Rates(nil), s.Rates.Rates...)
	return out
}

// Validate checks ranges that would make the engine misbehave.
func (s Settings) Validate() error {
	if s.Slot.Timeout <= 0 {
		return fmt.Errorf("invalid SLOT_TIMEOUT: %s", s.Slot.Timeout)
	}
	if s.Sharing.ExpectedTTL < 1 || s.Sharing.ExpectedTTL > 255 {
		return fmt.Errorf("invalid TTL_EXPECTED: %d", s.Sharing.ExpectedTTL)
	}
	if s.Sharing.Tolerance < 0 {
		return fmt.Errorf("invalid TTL_TOLERANCE: %d", s.Sharing.Tolerance)
	}
	if s.Sharing.ProbeTimeout <= 0 {
		return fmt.Errorf("invalid TTL_PROBE_TIMEOUT: %s", s.Sharing.ProbeTimeout)
	}
	if s.Limits.Normal < 1 || s.Limits.Suspicious < 1 {
		return errors.New("connection limits must be at least 1")
	}
	if s.Limits.MaxViolations < 1 {
		return fmt.Errorf("invalid LIMIT_MAX_VIOLATIONS: %d", s.Limits.MaxViolations)
	}
	if s.TTLRule.Value < 1 || s.TTLRule.Value > 255 {
		return fmt.Errorf("invalid TTL_RULE_VALUE: %d", s.TTLRule.Value)
	}
	if s.TTLRule.AfterViolations < 1 {
		return fmt.Errorf("invalid TTL_RULE_AFTER_VIOLATIONS: %d", s.TTLRule.AfterViolations)
	}
	if s.Voucher.CodeLength < MinVoucherCodeLength {
		return fmt.Errorf("invalid VOUCHER_CODE_LENGTH: %d", s.Voucher.CodeLength)
	}
	return s.Rates.Validate()
}

// MinVoucherCodeLength is the shortest voucher code accepted on redemption.
const MinVoucherCodeLength = 6

// Provider hands out a settings snapshot at the start of every operation.
type Provider interface {
	Snapshot(ctx context.Context) (Settings, error)
}

// Static serves the same settings for the lifetime of the process.
type Static struct {
	settings Settings
}

func NewStatic(settings Settings) *Static {
	return &Static{settings: settings.Clone()}
}

func (s *Static) Snapshot(context.Context) (Settings, error) {
	if s == nil {
		return Settings{}, errors.New("nil settings provider")
	}
	return s.settings.Clone(), nil
}
