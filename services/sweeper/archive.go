package sweeper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"hotspotd/services/sharing"
)

// ObservationLog is the part of the store the archiver drains.
type ObservationLog interface {
	ObservationsBefore(ctx context.Context, before time.Time, limit int) ([]sharing.Observation, error)
	DeleteObservations(ctx context.Context, before time.Time, throughID int64) (int, error)
}

// Uploader stores one archive object. pkg/s3 satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

type ArchiveConfig struct {
	Bucket string
	Prefix string
	// Recipient encrypts archives when set; observations carry device MACs.
	Recipient age.Recipient
	Retention time.Duration
	BatchSize int
}

// Archiver moves observations older than the retention window into compressed objects and
// deletes them once uploaded.
type Archiver struct {
	log      ObservationLog
	uploader Uploader
	cfg      ArchiveConfig
	logger   zerolog.Logger
	now      func() time.Time
}

type ArchiveReport struct {
	Objects  []string
	Archived int
	Deleted  int
}

// maxBatchesPerRun bounds one run so a large backlog drains over several sweeps.
const maxBatchesPerRun = 20

func NewArchiver(log ObservationLog, uploader Uploader, cfg ArchiveConfig, logger zerolog.Logger, now func() time.Time) (*Archiver, error) {
	switch {
	case log == nil:
		return nil, errors.New("observation log is required")
	case uploader == nil:
		return nil, errors.New("uploader is required")
	case cfg.Bucket == "":
		return nil, errors.New("archive bucket is required")
	case cfg.Retention <= 0:
		return nil, fmt.Errorf("invalid archive retention: %s", cfg.Retention)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if now == nil {
		now = time.Now
	}
	return &Archiver{log: log, uploader: uploader, cfg: cfg, logger: logger, now: now}, nil
}

// ParseRecipient decodes an age X25519 recipient; an empty string disables encryption.
func ParseRecipient(s string) (age.Recipient, error) {
	if s == "" {
		return nil, nil
	}
	r, err := age.ParseX25519Recipient(s)
	if err != nil {
		return nil, fmt.Errorf("parse age recipient: %w", err)
	}
	return r, nil
}

// Run archives batches until the backlog older than the retention window is empty.
func (a *Archiver) Run(ctx context.Context) (ArchiveReport, error) {
	var report ArchiveReport
	cutoff := a.now().Add(-a.cfg.Retention).UTC()

	for range maxBatchesPerRun {
		batch, err := a.log.ObservationsBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("load observations: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		key, err := a.upload(ctx, cutoff, batch)
		if err != nil {
			return report, err
		}
		lastID := batch[len(batch)-1].ID
		deleted, err := a.log.DeleteObservations(ctx, cutoff, lastID)
		if err != nil {
			return report, fmt.Errorf("delete archived observations: %w", err)
		}

		report.Objects = append(report.Objects, key)
		report.Archived += len(batch)
		report.Deleted += deleted
		a.logger.Info().Str("key", key).Int("records", len(batch)).Int64("through_id", lastID).Msg("observations archived")

		if len(batch) < a.cfg.BatchSize {
			break
		}
	}
	return report, nil
}

func (a *Archiver) upload(ctx context.Context, cutoff time.Time, batch []sharing.Observation) (string, error) {
	body, err := a.encode(batch)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)

	key := fmt.Sprintf("%s%s/%d-%d.jsonl.zst", a.cfg.Prefix, cutoff.Format("2006-01-02"), batch[0].ID, batch[len(batch)-1].ID)
	if a.cfg.Recipient != nil {
		key += ".age"
	}
	if err := a.uploader.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), hex.EncodeToString(sum[:])); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// encode writes one JSON object per line, zstd compressed, then age encrypted when a
// recipient is configured.
func (a *Archiver) encode(batch []sharing.Observation) ([]byte, error) {
	var buf bytes.Buffer
	var sink io.WriteCloser = nopCloser{&buf}
	if a.cfg.Recipient != nil {
		enc, err := age.Encrypt(&buf, a.cfg.Recipient)
		if err != nil {
			return nil, fmt.Errorf("age encrypt: %w", err)
		}
		sink = enc
	}

	zw, err := zstd.NewWriter(sink)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	jw := json.NewEncoder(zw)
	for _, o := range batch {
		if err := jw.Encode(archivedObservation(o)); err != nil {
			zw.Close()
			return nil, fmt.Errorf("encode observation %d: %w", o.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zstd close: %w", err)
	}
	if err := sink.Close(); err != nil {
		return nil, fmt.Errorf("age close: %w", err)
	}
	return buf.Bytes(), nil
}

type archivedRecord struct {
	ID          int64     `json:"id"`
	MAC         string    `json:"mac"`
	Subject     string    `json:"subject"`
	TTL         int       `json:"ttl"`
	ExpectedTTL int       `json:"expected_ttl"`
	Deviation   int       `json:"deviation"`
	Suspicious  bool      `json:"suspicious"`
	ObservedAt  time.Time `json:"observed_at"`
}

func archivedObservation(o sharing.Observation) archivedRecord {
	return archivedRecord(o)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
