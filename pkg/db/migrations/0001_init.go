package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Session struct {
	MAC               string     `gorm:"type:text;primaryKey"`
	IP                string     `gorm:"type:text"`
	TimeLeftSeconds   int64      `gorm:"type:bigint;not null;default:0;check:time_left_seconds >= 0"`
	ExpireOn          *time.Time `gorm:"type:timestamptz"`
	ValidityExpiresOn *time.Time `gorm:"type:timestamptz"`
	CreatedAt         time.Time  `gorm:"type:timestamptz;not null;default:now()"`
}

type DeviceFingerprint struct {
	ID                        string                      `gorm:"type:text;primaryKey"`
	UserAgent                 string                      `gorm:"type:text"`
	ScreenResolution          string                      `gorm:"type:text"`
	Language                  string                      `gorm:"type:text"`
	TimezoneOffset            int                         `gorm:"type:integer"`
	Platform                  string                      `gorm:"type:text"`
	KnownMACs                 datatypes.JSONSlice[string] `gorm:"column:known_macs;type:jsonb;not null;default:'[]';index:idx_fingerprints_known_macs,type:gin"`
	CurrentMAC                string                      `gorm:"column:current_mac;type:text;index"`
	MACRandomizationDetected  bool                        `gorm:"column:mac_randomization_detected;not null;default:false"`
	TTLViolationsTotal        int                         `gorm:"column:ttl_violations_total;not null;default:0"`
	ConnectionViolationsTotal int                         `gorm:"not null;default:0"`
	LastViolationAt           *time.Time                  `gorm:"type:timestamptz"`
	FirstSeenAt               time.Time                   `gorm:"type:timestamptz;not null"`
	LastSeenAt                time.Time                   `gorm:"type:timestamptz;not null"`
}

type ConnectionRecord struct {
	MAC               string    `gorm:"type:text;primaryKey"`
	SessionID         string    `gorm:"type:text;primaryKey"`
	Subject           string    `gorm:"type:text;not null;index:idx_connections_subject_active,priority:1"`
	IP                string    `gorm:"type:text"`
	TTLClassification string    `gorm:"column:ttl_classification;type:text"`
	LastActivity      time.Time `gorm:"type:timestamptz;not null"`
	IsActive          bool      `gorm:"not null;default:true;index:idx_connections_subject_active,priority:2"`
	CreatedAt         time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

type EnforcementRule struct {
	MAC                      string     `gorm:"type:text;primaryKey"`
	RuleType                 string     `gorm:"type:text;primaryKey"`
	Subject                  string     `gorm:"type:text;index"`
	Value                    int        `gorm:"not null"`
	Status                   string     `gorm:"type:text;not null;index"`
	CreatedAt                time.Time  `gorm:"type:timestamptz;not null"`
	ExpiresAt                *time.Time `gorm:"type:timestamptz"`
	ViolationCountAtCreation int        `gorm:"not null;default:0"`
	LastError                string     `gorm:"type:text"`
}

type BlockRecord struct {
	MAC           string     `gorm:"type:text;primaryKey"`
	Subject       string     `gorm:"type:text;index"`
	Reason        string     `gorm:"type:text;not null"`
	IsPermanent   bool       `gorm:"not null;default:false"`
	AutoUnblockAt *time.Time `gorm:"type:timestamptz"`
	IsActive      bool       `gorm:"not null;default:true;index"`
	Violations    int        `gorm:"not null;default:0"`
	Notes         string     `gorm:"type:text"`
	BlockedAt     time.Time  `gorm:"type:timestamptz;not null"`
}

type Slot struct {
	ID          int        `gorm:"primaryKey;autoIncrement:false"`
	HolderID    *string    `gorm:"type:text"`
	LastUpdated *time.Time `gorm:"type:timestamptz"`
}

type CoinCreditQueue struct {
	MAC        string    `gorm:"type:text;primaryKey"`
	TotalCoins int       `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"type:timestamptz;not null"`
}

type CoinLedger struct {
	ID           int64     `gorm:"type:bigserial;primaryKey"`
	Client       string    `gorm:"type:text;not null;index"`
	Denomination int       `gorm:"not null"`
	SlotNo       int       `gorm:"not null"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now()"`
}

func (CoinLedger) TableName() string { return "coin_ledger" }

type TrafficObservation struct {
	ID          int64     `gorm:"type:bigserial;primaryKey"`
	MAC         string    `gorm:"type:text;not null"`
	Subject     string    `gorm:"type:text;not null;index:idx_observations_subject_time,priority:1"`
	TTL         int       `gorm:"column:ttl;not null"`
	ExpectedTTL int       `gorm:"column:expected_ttl;not null"`
	Deviation   int       `gorm:"not null"`
	Suspicious  bool      `gorm:"not null"`
	ObservedAt  time.Time `gorm:"type:timestamptz;not null;index:idx_observations_subject_time,priority:2;index"`
}

type Voucher struct {
	Code             string     `gorm:"type:text;primaryKey"`
	Status           string     `gorm:"type:text;not null;index"`
	Client           string     `gorm:"type:text"`
	TimeValueSeconds int64      `gorm:"not null"`
	ValiditySeconds  int64      `gorm:"not null;default:0"`
	CreatedAt        time.Time  `gorm:"type:timestamptz;not null"`
	UsedAt           *time.Time `gorm:"type:timestamptz"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Session{},
		&DeviceFingerprint{},
		&ConnectionRecord{},
		&EnforcementRule{},
		&BlockRecord{},
		&Slot{},
		&CoinCreditQueue{},
		&CoinLedger{},
		&TrafficObservation{},
		&Voucher{},
		&Audit{},
	); err != nil {
		return err
	}

	// The acceptor row always exists; claims are conditional updates against it.
	return gormDB.WithContext(ctx).Exec(`INSERT INTO slots (id) VALUES (1) ON CONFLICT (id) DO NOTHING`).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&Voucher{},
		&TrafficObservation{},
		&CoinLedger{},
		&CoinCreditQueue{},
		&Slot{},
		&BlockRecord{},
		&EnforcementRule{},
		&ConnectionRecord{},
		&DeviceFingerprint{},
		&Session{},
	)
}
