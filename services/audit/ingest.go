package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	eventsSubject = "hotspot.>"
	durableName   = "hotspot-audit"
	subjectPrefix = "hotspot."
)

// Subscriber delivers bus messages to fn until the returned closer is closed. pkg/bus
// satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

type event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	MAC     string         `json:"mac"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details"`
	At      time.Time      `json:"at"`
}

// Ingestor copies every hotspot event into the audit trail.
type Ingestor struct {
	sink   Sink
	bus    Subscriber
	logger zerolog.Logger

	subMu sync.Mutex
	sub   io.Closer
}

func NewIngestor(sink Sink, bus Subscriber, logger zerolog.Logger) (*Ingestor, error) {
	if sink == nil {
		return nil, errors.New("audit sink is required")
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingestor{sink: sink, bus: bus, logger: logger}, nil
}

// Start subscribes to hotspot events and records them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}

	sub, err := i.bus.Subscribe(ctx, eventsSubject, durableName, i.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", eventsSubject, err)
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()
	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}
	i.subMu.Lock()
	defer i.subMu.Unlock()
	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

// handle returns nil for undecodable messages so they are acked instead of redelivered forever.
func (i *Ingestor) handle(ctx context.Context, data []byte) error {
	var evt event
	if err := json.Unmarshal(data, &evt); err != nil {
		i.logger.Warn().Err(err).Msg("drop undecodable event")
		return nil
	}
	if evt.Type == "" {
		i.logger.Warn().Msg("drop event without type")
		return nil
	}

	details := make(map[string]any, len(evt.Details)+1)
	for k, v := range evt.Details {
		details[k] = v
	}
	if evt.ID != "" {
		details["event_id"] = evt.ID
	}
	actor := evt.Actor
	if actor == "" {
		actor = "unknown"
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	rec := Record{
		Actor:   actor,
		Action:  strings.TrimPrefix(evt.Type, subjectPrefix),
		Object:  evt.MAC,
		Details: details,
		At:      at,
	}
	if err := i.sink.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("append audit %s: %w", rec.Action, err)
	}
	return nil
}
