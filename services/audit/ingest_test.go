package audit_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/memstore"
	"hotspotd/services/audit"
)

type fakeBus struct {
	subject string
	durable string
	handler func(context.Context, []byte) error
	closed  bool
}

func (f *fakeBus) Subscribe(_ context.Context, subj, durable string, fn func(context.Context, []byte) error) (io.Closer, error) {
	f.subject, f.durable, f.handler = subj, durable, fn
	return f, nil
}

func (f *fakeBus) Close() error {
	f.closed = true
	return nil
}

type failingSink struct{}

func (failingSink) AppendAudit(context.Context, audit.Record) error {
	return errors.New("database unavailable")
}

func TestIngestorRecordsEvents(t *testing.T) {
	store := memstore.New()
	bus := &fakeBus{}
	ing, err := audit.NewIngestor(store, bus, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))
	assert.Equal(t, "hotspot.>", bus.subject)
	assert.Equal(t, "hotspot-audit", bus.durable)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := `{"id":"7d1c","type":"enforcement.blocked","mac":"AA:BB:CC:DD:EE:01","actor":"admin",
		"details":{"reason":"manual"},"at":"2026-03-01T12:00:00Z"}`
	require.NoError(t, bus.handler(context.Background(), []byte(msg)))

	recs := store.Audit()
	require.Len(t, recs, 1)
	assert.Equal(t, "admin", recs[0].Actor)
	assert.Equal(t, "enforcement.blocked", recs[0].Action)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", recs[0].Object)
	assert.Equal(t, "manual", recs[0].Details["reason"])
	assert.Equal(t, "7d1c", recs[0].Details["event_id"])
	assert.True(t, at.Equal(recs[0].At))

	require.NoError(t, ing.Close())
	assert.True(t, bus.closed)
}

func TestIngestorDropsBadMessages(t *testing.T) {
	store := memstore.New()
	bus := &fakeBus{}
	ing, err := audit.NewIngestor(store, bus, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))

	require.NoError(t, bus.handler(context.Background(), []byte("not json")))
	require.NoError(t, bus.handler(context.Background(), []byte(`{"mac":"AA:BB:CC:DD:EE:01"}`)))
	assert.Empty(t, store.Audit())
}

func TestIngestorSinkFailureNaks(t *testing.T) {
	bus := &fakeBus{}
	ing, err := audit.NewIngestor(failingSink{}, bus, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ing.Start(context.Background()))

	err = bus.handler(context.Background(), []byte(`{"type":"sessions.connected","actor":"portal"}`))
	require.Error(t, err)
}

func TestNewIngestorValidates(t *testing.T) {
	_, err := audit.NewIngestor(nil, &fakeBus{}, zerolog.Nop())
	require.Error(t, err)
	_, err = audit.NewIngestor(memstore.New(), nil, zerolog.Nop())
	require.Error(t, err)
}
