package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"hotspotd/services/identity"
)

// DeviceResolver maps a client address on the hotspot LAN to its hardware address.
// identity.NeighborTable satisfies it.
type DeviceResolver interface {
	ResolveMAC(ctx context.Context, ip string) (string, error)
}

var (
	errDeviceUnknown  = errors.New("device could not be identified")
	errDeviceMismatch = errors.New("request does not belong to this device")
	errUnauthorized   = errors.New("admin token required")
)

type deviceKey struct{}

type device struct {
	mac string
	ip  string
}

// resolveDevice pins the caller's MAC from its peer address before portal handlers run.
func (a *API) resolveDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := peerIP(r)
		mac, err := a.config.Devices.ResolveMAC(r.Context(), ip)
		if err != nil {
			a.logger.Warn().Err(err).Str("ip", ip).Str("path", r.URL.Path).Msg("device not resolved")
			respondError(w, http.StatusForbidden, errDeviceUnknown)
			return
		}
		ctx := context.WithValue(r.Context(), deviceKey{}, device{mac: mac, ip: ip})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the MAC and IP a portal request acts for. When devices are resolved, a
// MAC named by the client must be the caller's own and the client's IP is ignored.
func (a *API) caller(w http.ResponseWriter, r *http.Request, claimedMAC, claimedIP string) (string, string, bool) {
	d, ok := r.Context().Value(deviceKey{}).(device)
	if !ok {
		return claimedMAC, clientIP(r, claimedIP), true
	}
	if claimedMAC != "" {
		normalized, err := identity.NormalizeMAC(claimedMAC)
		if err != nil || normalized != d.mac {
			a.logger.Warn().Str("resolved", d.mac).Str("claimed", claimedMAC).Str("path", r.URL.Path).Msg("device mismatch")
			respondError(w, http.StatusForbidden, errDeviceMismatch)
			return "", "", false
		}
	}
	return d.mac, d.ip, true
}

// requireAdmin accepts only requests bearing the configured admin token.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	want := []byte(a.config.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), want) != 1 {
			respondError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
