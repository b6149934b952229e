package store

import (
	"time"

	"gorm.io/datatypes"

	"hotspotd/services/enforcement"
	"hotspotd/services/identity"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/voucher"
)

type sessionRow struct {
	MAC               string `gorm:"primaryKey"`
	IP                string
	TimeLeftSeconds   int64
	ExpireOn          *time.Time
	ValidityExpiresOn *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
}

func (sessionRow) TableName() string { return "sessions" }

func sessionFromRow(r sessionRow) session.Session {
	return session.Session{
		MAC:               r.MAC,
		IP:                r.IP,
		TimeLeft:          time.Duration(r.TimeLeftSeconds) * time.Second,
		ExpireOn:          r.ExpireOn,
		ValidityExpiresOn: r.ValidityExpiresOn,
		CreatedAt:         r.CreatedAt,
	}
}

func sessionToRow(s session.Session) sessionRow {
	return sessionRow{
		MAC:               s.MAC,
		IP:                s.IP,
		TimeLeftSeconds:   int64(s.TimeLeft / time.Second),
		ExpireOn:          s.ExpireOn,
		ValidityExpiresOn: s.ValidityExpiresOn,
		CreatedAt:         s.CreatedAt,
	}
}

type fingerprintRow struct {
	ID                        string                      `gorm:"primaryKey" db:"id"`
	UserAgent                 string                      `db:"user_agent"`
	ScreenResolution          string                      `db:"screen_resolution"`
	Language                  string                      `db:"language"`
	TimezoneOffset            int                         `db:"timezone_offset"`
	Platform                  string                      `db:"platform"`
	KnownMACs                 datatypes.JSONSlice[string] `gorm:"column:known_macs;type:jsonb" db:"known_macs"`
	CurrentMAC                string                      `gorm:"column:current_mac" db:"current_mac"`
	MACRandomizationDetected  bool                        `gorm:"column:mac_randomization_detected" db:"mac_randomization_detected"`
	TTLViolationsTotal        int                         `gorm:"column:ttl_violations_total" db:"ttl_violations_total"`
	ConnectionViolationsTotal int                         `db:"connection_violations_total"`
	LastViolationAt           *time.Time                  `db:"last_violation_at"`
	FirstSeenAt               time.Time                   `db:"first_seen_at"`
	LastSeenAt                time.Time                   `db:"last_seen_at"`
}

func (fingerprintRow) TableName() string { return "device_fingerprints" }

func fingerprintFromRow(r fingerprintRow) identity.Fingerprint {
	return identity.Fingerprint{
		ID:                        r.ID,
		UserAgent:                 r.UserAgent,
		ScreenResolution:          r.ScreenResolution,
		Language:                  r.Language,
		TimezoneOffset:            r.TimezoneOffset,
		Platform:                  r.Platform,
		KnownMACs:                 append([]string(nil), r.KnownMACs...),
		CurrentMAC:                r.CurrentMAC,
		MACRandomizationDetected:  r.MACRandomizationDetected,
		TTLViolationsTotal:        r.TTLViolationsTotal,
		ConnectionViolationsTotal: r.ConnectionViolationsTotal,
		LastViolationAt:           r.LastViolationAt,
		FirstSeenAt:               r.FirstSeenAt,
		LastSeenAt:                r.LastSeenAt,
	}
}

func fingerprintToRow(f identity.Fingerprint) fingerprintRow {
	macs := datatypes.JSONSlice[string](append([]string{}, f.KnownMACs...))
	return fingerprintRow{
		ID:                        f.ID,
		UserAgent:                 f.UserAgent,
		ScreenResolution:          f.ScreenResolution,
		Language:                  f.Language,
		TimezoneOffset:            f.TimezoneOffset,
		Platform:                  f.Platform,
		KnownMACs:                 macs,
		CurrentMAC:                f.CurrentMAC,
		MACRandomizationDetected:  f.MACRandomizationDetected,
		TTLViolationsTotal:        f.TTLViolationsTotal,
		ConnectionViolationsTotal: f.ConnectionViolationsTotal,
		LastViolationAt:           f.LastViolationAt,
		FirstSeenAt:               f.FirstSeenAt,
		LastSeenAt:                f.LastSeenAt,
	}
}

type observationRow struct {
	ID          int64     `gorm:"primaryKey" db:"id"`
	MAC         string    `db:"mac"`
	Subject     string    `db:"subject"`
	TTL         int       `gorm:"column:ttl" db:"ttl"`
	ExpectedTTL int       `gorm:"column:expected_ttl" db:"expected_ttl"`
	Deviation   int       `db:"deviation"`
	Suspicious  bool      `db:"suspicious"`
	ObservedAt  time.Time `db:"observed_at"`
}

func (observationRow) TableName() string { return "traffic_observations" }

func (r observationRow) domain() sharing.Observation {
	return sharing.Observation(r)
}

type ruleRow struct {
	MAC                      string `gorm:"primaryKey"`
	RuleType                 string `gorm:"primaryKey"`
	Subject                  string
	Value                    int
	Status                   string
	CreatedAt                time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt                *time.Time
	ViolationCountAtCreation int
	LastError                string
}

func (ruleRow) TableName() string { return "enforcement_rules" }

func ruleFromRow(r ruleRow) enforcement.Rule {
	return enforcement.Rule{
		MAC:                      r.MAC,
		Type:                     enforcement.RuleType(r.RuleType),
		Subject:                  r.Subject,
		Value:                    r.Value,
		Status:                   enforcement.RuleStatus(r.Status),
		CreatedAt:                r.CreatedAt,
		ExpiresAt:                r.ExpiresAt,
		ViolationCountAtCreation: r.ViolationCountAtCreation,
		LastError:                r.LastError,
	}
}

func ruleToRow(r enforcement.Rule) ruleRow {
	return ruleRow{
		MAC:                      r.MAC,
		RuleType:                 string(r.Type),
		Subject:                  r.Subject,
		Value:                    r.Value,
		Status:                   string(r.Status),
		CreatedAt:                r.CreatedAt,
		ExpiresAt:                r.ExpiresAt,
		ViolationCountAtCreation: r.ViolationCountAtCreation,
		LastError:                r.LastError,
	}
}

type blockRow struct {
	MAC           string `gorm:"primaryKey"`
	Subject       string
	Reason        string
	IsPermanent   bool
	AutoUnblockAt *time.Time
	IsActive      bool
	Violations    int
	Notes         string
	BlockedAt     time.Time
}

func (blockRow) TableName() string { return "block_records" }

func blockFromRow(r blockRow) enforcement.Block {
	return enforcement.Block{
		MAC:           r.MAC,
		Subject:       r.Subject,
		Reason:        enforcement.BlockReason(r.Reason),
		Permanent:     r.IsPermanent,
		AutoUnblockAt: r.AutoUnblockAt,
		Active:        r.IsActive,
		Violations:    r.Violations,
		Notes:         r.Notes,
		BlockedAt:     r.BlockedAt,
	}
}

func blockToRow(b enforcement.Block) blockRow {
	return blockRow{
		MAC:           b.MAC,
		Subject:       b.Subject,
		Reason:        string(b.Reason),
		IsPermanent:   b.Permanent,
		AutoUnblockAt: b.AutoUnblockAt,
		IsActive:      b.Active,
		Violations:    b.Violations,
		Notes:         b.Notes,
		BlockedAt:     b.BlockedAt,
	}
}

type connectionRow struct {
	MAC               string `gorm:"primaryKey"`
	SessionID         string `gorm:"primaryKey"`
	Subject           string
	IP                string
	TTLClassification string `gorm:"column:ttl_classification"`
	LastActivity      time.Time
	IsActive          bool
	CreatedAt         time.Time `gorm:"autoCreateTime:false"`
}

func (connectionRow) TableName() string { return "connection_records" }

type voucherRow struct {
	Code             string `gorm:"primaryKey"`
	Status           string
	Client           string
	TimeValueSeconds int64
	ValiditySeconds  int64
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
	UsedAt           *time.Time
}

func (voucherRow) TableName() string { return "vouchers" }

func voucherFromRow(r voucherRow) voucher.Voucher {
	return voucher.Voucher{
		Code:      r.Code,
		Status:    voucher.Status(r.Status),
		Client:    r.Client,
		TimeValue: time.Duration(r.TimeValueSeconds) * time.Second,
		Validity:  time.Duration(r.ValiditySeconds) * time.Second,
		CreatedAt: r.CreatedAt,
		UsedAt:    r.UsedAt,
	}
}

func voucherToRow(v voucher.Voucher) voucherRow {
	return voucherRow{
		Code:             v.Code,
		Status:           string(v.Status),
		Client:           v.Client,
		TimeValueSeconds: int64(v.TimeValue / time.Second),
		ValiditySeconds:  int64(v.Validity / time.Second),
		CreatedAt:        v.CreatedAt,
		UsedAt:           v.UsedAt,
	}
}

type auditRow struct {
	ID      int64 `gorm:"primaryKey"`
	Actor   string
	Action  string
	Obj     string
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time
}

func (auditRow) TableName() string { return "audit" }
