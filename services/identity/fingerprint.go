package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"time"
)

// Inputs are the client attributes a fingerprint is computed from.
type Inputs struct {
	UserAgent        string `json:"user_agent"`
	ScreenResolution string `json:"screen_resolution"`
	Language         string `json:"language"`
	TimezoneOffset   int    `json:"timezone_offset"`
	Platform         string `json:"platform"`
}

// Empty reports whether no attribute was supplied.
func (in Inputs) Empty() bool {
	return in.UserAgent == "" && in.ScreenResolution == "" && in.Language == "" && in.Platform == "" && in.TimezoneOffset == 0
}

// ID is the hex SHA-256 of the attributes concatenated in fixed order.
func (in Inputs) ID() string {
	sum := sha256.Sum256([]byte(in.UserAgent + in.ScreenResolution + in.Language + strconv.Itoa(in.TimezoneOffset) + in.Platform))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the MAC-independent identity of one physical device.
type Fingerprint struct {
	ID                        string
	UserAgent                 string
	ScreenResolution          string
	Language                  string
	TimezoneOffset            int
	Platform                  string
	KnownMACs                 []string
	CurrentMAC                string
	MACRandomizationDetected  bool
	TTLViolationsTotal        int
	ConnectionViolationsTotal int
	LastViolationAt           *time.Time
	FirstSeenAt               time.Time
	LastSeenAt                time.Time
}

// Knows reports whether mac has been seen under this fingerprint.
func (f Fingerprint) Knows(mac string) bool {
	return slices.Contains(f.KnownMACs, mac)
}

// Sight records mac as the current address, adding it to the known set.
func (f *Fingerprint) Sight(mac string, now time.Time) {
	if !f.Knows(mac) {
		f.KnownMACs = append(f.KnownMACs, mac)
	}
	f.CurrentMAC = mac
	f.LastSeenAt = now
	if len(f.KnownMACs) > 1 {
		f.MACRandomizationDetected = true
	}
}

type ViolationKind string

const (
	ViolationTTL        ViolationKind = "ttl"
	ViolationConnection ViolationKind = "connection"
)

// Record increments the counter for kind. Counters never decrease.
func (f *Fingerprint) Record(kind ViolationKind, now time.Time) {
	switch kind {
	case ViolationTTL:
		f.TTLViolationsTotal++
	case ViolationConnection:
		f.ConnectionViolationsTotal++
	default:
		return
	}
	f.LastViolationAt = &now
}

// TotalViolations sums both counters.
func (f Fingerprint) TotalViolations() int {
	return f.TTLViolationsTotal + f.ConnectionViolationsTotal
}
