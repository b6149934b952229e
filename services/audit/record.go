package audit

import (
	"context"
	"time"
)

// Record is one row of the audit trail.
type Record struct {
	ID      int64
	Actor   string
	Action  string
	Object  string
	Details map[string]any
	At      time.Time
}

// Sink stores audit records.
type Sink interface {
	AppendAudit(ctx context.Context, r Record) error
}
