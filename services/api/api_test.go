package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotspotd/pkg/apperr"
	"hotspotd/pkg/config"
	"hotspotd/pkg/memstore"
	"hotspotd/services/api"
	"hotspotd/services/engine"
)

const (
	mac        = "AA:BB:CC:DD:EE:01"
	adminToken = "s3cret-admin"
)

type noopFirewall struct{}

func (noopFirewall) ApplyTTL(context.Context, string, int) error  { return nil }
func (noopFirewall) RemoveTTL(context.Context, string, int) error { return nil }

type server struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func newServer(t *testing.T, cfg api.Config) *server {
	t.Helper()
	store := memstore.New()
	reg := prometheus.NewRegistry()
	metrics, err := engine.NewMetrics(reg)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	eng, err := engine.Assemble(config.NewStatic(config.Defaults()), engine.Repositories{
		Sessions:     store,
		Fingerprints: store,
		Observations: store,
		Slot:         store,
		Enforcement:  store,
		Vouchers:     store,
	}, engine.Options{
		Firewall: noopFirewall{},
		Metrics:  metrics,
		Logger:   zerolog.Nop(),
		Now:      clock,
	})
	require.NoError(t, err)

	cfg.Gatherer = reg
	cfg.Logger = zerolog.Nop()
	cfg.Now = clock
	a, err := api.New(eng, cfg)
	require.NoError(t, err)
	h, err := a.Routes()
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &server{t: t, srv: srv}
}

func (s *server) do(method, path string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestCoinPurchaseAndConnect(t *testing.T) {
	s := newServer(t, api.Config{})

	var claim api.SlotResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: mac}, &claim))
	assert.True(t, claim.Granted)

	var coin api.CoinResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Denomination: 5}, &coin))
	assert.True(t, coin.Accepted)
	assert.Equal(t, 5, coin.TotalCoins)
	assert.EqualValues(t, 3600, coin.PendingTimeSeconds)

	var view api.SlotView
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/slot?device_id="+mac, nil, &view))
	assert.Equal(t, "active", view.Availability)

	var conn api.ConnectResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/sessions/"+mac+"/connect", api.ConnectRequest{IP: "10.0.0.5"}, &conn))
	assert.True(t, conn.Success)
	assert.EqualValues(t, 3600, conn.TimeLeftSeconds)
	assert.Equal(t, engine.StatusOK, conn.Status)

	var status api.SessionStatus
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/sessions/"+mac, nil, &status))
	assert.Equal(t, "connected", status.State)
	assert.EqualValues(t, 3600, status.TimeLeftSeconds)
	assert.Zero(t, status.PendingCoinCredit)

	var paused api.CommandResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/sessions/"+mac+"/pause", nil, &paused))
	assert.Equal(t, "paused", paused.State)
}

func TestCoinsByPulseCount(t *testing.T) {
	s := newServer(t, api.Config{})
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: mac}, nil))

	var coin api.CoinResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Pulses: 5}, &coin))
	assert.True(t, coin.Accepted)
	assert.Equal(t, 5, coin.TotalCoins)
	assert.EqualValues(t, 3600, coin.PendingTimeSeconds)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Pulses: 7}, &coin))
	assert.Equal(t, engine.StatusUnknownDenomination, coin.Status)

	var conn api.ConnectResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/sessions/"+mac+"/connect", api.ConnectRequest{IP: "10.0.0.5", SessionID: "portal-7"}, &conn))
	assert.True(t, conn.Success)
	assert.Equal(t, "portal-7", conn.SessionID)
}

func TestStatusMapping(t *testing.T) {
	s := newServer(t, api.Config{})

	var claim api.SlotResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: mac}, &claim))

	var busy api.SlotResponse
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: "AA:BB:CC:DD:EE:02"}, &busy))
	assert.Equal(t, engine.StatusBusy, busy.Status)
	assert.NotEmpty(t, busy.Message)

	var coin api.CoinResponse
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Denomination: 3}, &coin))
	assert.Equal(t, engine.StatusUnknownDenomination, coin.Status)

	var conn api.ConnectResponse
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/v1/sessions/AA:BB:CC:DD:EE:09/connect", nil, &conn))
	assert.False(t, conn.Success)

	var bad api.SessionStatus
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/v1/sessions/not-a-mac", nil, &bad))
	assert.Equal(t, engine.StatusInvalid, bad.Status)

	var redeem api.VoucherResponse
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(http.MethodPost, "/v1/vouchers/redeem", api.RedeemRequest{Code: "NOPE42", MAC: mac}, &redeem))
	assert.Equal(t, engine.StatusInvalidVoucher, redeem.Status)
}

func TestVoucherIssueAndRedeem(t *testing.T) {
	s := newServer(t, api.Config{})

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: mac}, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Denomination: 1}, nil))

	var issued api.VoucherResponse
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/v1/vouchers", api.IssueRequest{DeviceID: mac}, &issued))
	require.Len(t, issued.Code, 6)
	assert.EqualValues(t, 600, issued.GrantedSeconds)

	other := "AA:BB:CC:DD:EE:03"
	var redeemed api.VoucherResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/vouchers/redeem", api.RedeemRequest{Code: issued.Code, MAC: other}, &redeemed))
	assert.True(t, redeemed.Success)
	assert.EqualValues(t, 600, redeemed.GrantedSeconds)
}

func TestAdminCommands(t *testing.T) {
	s := newServer(t, api.Config{AdminToken: adminToken})
	s.token = adminToken

	var blocked api.CommandResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/admin/commands", api.CommandRequest{
		Kind:            engine.CommandBlock,
		MAC:             mac,
		Reason:          "abuse",
		DurationSeconds: 3600,
	}, &blocked))
	require.NotNil(t, blocked.Block)
	assert.Equal(t, "abuse", blocked.Block.Reason)

	var conn api.ConnectResponse
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/v1/sessions/"+mac+"/connect", nil, &conn))
	assert.Equal(t, engine.StatusBlocked, conn.Status)

	var unknown api.CommandResponse
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/v1/admin/commands", api.CommandRequest{Kind: "reboot", MAC: mac}, &unknown))

	var sweep api.SweepResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/admin/sweep", nil, &sweep))
	assert.Equal(t, engine.StatusOK, sweep.Status)
}

func TestRejectsUnknownFields(t *testing.T) {
	s := newServer(t, api.Config{})
	code := s.do(http.MethodPost, "/v1/slot/claim", map[string]any{"device": mac}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOperationalEndpoints(t *testing.T) {
	ready := errors.New("database unavailable")
	s := newServer(t, api.Config{Ready: func(context.Context) error { return ready }})

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/readyz", nil, nil))

	resp, err := s.srv.Client().Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPortalRateLimit(t *testing.T) {
	s := newServer(t, api.Config{PortalRateLimit: 2})
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: mac}, nil))

	for range 2 {
		s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Denomination: 1}, nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Denomination: 1}, nil))
}

func TestAdminRequiresToken(t *testing.T) {
	sweep := func(s *server) int { return s.do(http.MethodPost, "/v1/admin/sweep", nil, nil) }

	s := newServer(t, api.Config{AdminToken: adminToken})
	assert.Equal(t, http.StatusUnauthorized, sweep(s))
	s.token = "wrong"
	assert.Equal(t, http.StatusUnauthorized, sweep(s))
	s.token = adminToken
	assert.Equal(t, http.StatusOK, sweep(s))

	disabled := newServer(t, api.Config{})
	disabled.token = adminToken
	assert.Equal(t, http.StatusNotFound, sweep(disabled))
}

type neighbors map[string]string

func (n neighbors) ResolveMAC(_ context.Context, ip string) (string, error) {
	if mac, ok := n[ip]; ok {
		return mac, nil
	}
	return "", apperr.ErrNotFound
}

func TestResolvedDeviceRejectsOtherMACs(t *testing.T) {
	s := newServer(t, api.Config{Devices: neighbors{"127.0.0.1": mac}})
	other := "AA:BB:CC:DD:EE:02"

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: "aa-bb-cc-dd-ee-01"}, nil))
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: mac, Denomination: 1}, nil))

	spoofed := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"claim", http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: other}},
		{"coins", http.MethodPost, "/v1/slot/coins", api.CoinRequest{DeviceID: other, Denomination: 1}},
		{"issue voucher", http.MethodPost, "/v1/vouchers", api.IssueRequest{DeviceID: other}},
		{"redeem", http.MethodPost, "/v1/vouchers/redeem", api.RedeemRequest{Code: "ABCDEF", MAC: other}},
		{"status", http.MethodGet, "/v1/sessions/" + other, nil},
		{"pause", http.MethodPost, "/v1/sessions/" + other + "/pause", nil},
		{"connect", http.MethodPost, "/v1/sessions/" + other + "/connect", nil},
		{"slot view", http.MethodGet, "/v1/slot?device_id=" + other, nil},
	}
	for _, tt := range spoofed {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusForbidden, s.do(tt.method, tt.path, tt.body, nil))
		})
	}

	var view api.SlotView
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/slot", nil, &view))
	assert.Equal(t, 1, view.TotalCoins)

	var conn api.ConnectResponse
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/sessions/"+mac+"/connect", api.ConnectRequest{IP: "10.9.9.9"}, &conn))
	assert.True(t, conn.Success)
	assert.EqualValues(t, 600, conn.TimeLeftSeconds)
}

func TestUnresolvedDeviceIsRejected(t *testing.T) {
	s := newServer(t, api.Config{Devices: neighbors{}})
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/v1/slot/claim", api.SlotRequest{DeviceID: mac}, nil))
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil, nil))
}
