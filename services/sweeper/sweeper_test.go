package sweeper_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/memstore"
	"hotspotd/services/engine"
	"hotspotd/services/sharing"
	"hotspotd/services/sweeper"
)

type object struct {
	bucket, key, sum string
	body             []byte
}

type uploader struct {
	mu      sync.Mutex
	objects []object
	fail    bool
}

func (u *uploader) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, sum string) error {
	if u.fail {
		return errors.New("bucket unreachable")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(body)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(body), size)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects = append(u.objects, object{bucket: bucket, key: key, sum: sum, body: body})
	return nil
}

var now = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *memstore.Store, n int, at time.Time) {
	t.Helper()
	for i := range n {
		require.NoError(t, store.AppendObservation(context.Background(), sharing.Observation{
			MAC:         "AA:BB:CC:DD:EE:01",
			Subject:     "AA:BB:CC:DD:EE:01",
			TTL:         63,
			ExpectedTTL: 64,
			Deviation:   1,
			ObservedAt:  at.Add(time.Duration(i) * time.Second),
		}))
	}
}

func decode(t *testing.T, body []byte, identity age.Identity) []map[string]any {
	t.Helper()
	var r io.Reader = bytes.NewReader(body)
	if identity != nil {
		dec, err := age.Decrypt(r, identity)
		require.NoError(t, err)
		r = dec
	}
	zr, err := zstd.NewReader(r)
	require.NoError(t, err)
	defer zr.Close()

	var out []map[string]any
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiverBatchesAndDeletes(t *testing.T) {
	store := memstore.New()
	seed(t, store, 5, now.Add(-10*24*time.Hour))
	seed(t, store, 2, now.Add(-time.Hour))

	up := &uploader{}
	arch, err := sweeper.NewArchiver(store, up, sweeper.ArchiveConfig{
		Bucket:    "hotspot",
		Prefix:    "observations/",
		Retention: 7 * 24 * time.Hour,
		BatchSize: 2,
	}, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, err)

	report, err := arch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Archived)
	assert.Equal(t, 5, report.Deleted)
	require.Len(t, up.objects, 3)
	assert.Equal(t, "observations/2026-03-03/1-2.jsonl.zst", up.objects[0].key)
	assert.Equal(t, "hotspot", up.objects[0].bucket)
	assert.Len(t, up.objects[0].sum, 64)

	recs := decode(t, up.objects[2].body, nil)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 5, recs[0]["id"])
	assert.Equal(t, "AA:BB:CC:DD:EE:01", recs[0]["mac"])

	left, err := store.ObservationsBefore(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestArchiverEncrypts(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	recipient, err := sweeper.ParseRecipient(identity.Recipient().String())
	require.NoError(t, err)

	store := memstore.New()
	seed(t, store, 3, now.Add(-30*24*time.Hour))
	up := &uploader{}
	arch, err := sweeper.NewArchiver(store, up, sweeper.ArchiveConfig{
		Bucket:    "hotspot",
		Recipient: recipient,
		Retention: 24 * time.Hour,
	}, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, err)

	_, err = arch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, up.objects, 1)
	assert.Contains(t, up.objects[0].key, ".jsonl.zst.age")
	assert.Len(t, decode(t, up.objects[0].body, identity), 3)
}

func TestArchiverKeepsRecordsWhenUploadFails(t *testing.T) {
	store := memstore.New()
	seed(t, store, 3, now.Add(-30*24*time.Hour))
	arch, err := sweeper.NewArchiver(store, &uploader{fail: true}, sweeper.ArchiveConfig{
		Bucket:    "hotspot",
		Retention: 24 * time.Hour,
	}, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, err)

	_, err = arch.Run(context.Background())
	require.Error(t, err)
	left, err := store.ObservationsBefore(context.Background(), now, 100)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestParseRecipient(t *testing.T) {
	r, err := sweeper.ParseRecipient("")
	require.NoError(t, err)
	assert.Nil(t, r)
	_, err = sweeper.ParseRecipient("not-a-key")
	require.Error(t, err)
}

type countingEngine struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingEngine) Sweep(context.Context) (engine.SweepReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return engine.SweepReport{}, c.err
}

func (c *countingEngine) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	eng := &countingEngine{err: errors.New("transient")}
	s, err := sweeper.New(eng, nil, 10*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return eng.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewValidates(t *testing.T) {
	_, err := sweeper.New(nil, nil, time.Minute, zerolog.Nop())
	require.Error(t, err)
	_, err = sweeper.New(&countingEngine{}, nil, 0, zerolog.Nop())
	require.Error(t, err)
}
