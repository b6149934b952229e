package identity

import (
	"fmt"
	"net"
	"strings"

	"hotspotd/pkg/apperr"
)

// NormalizeMAC validates a 48-bit MAC address and returns it upper-case with colons.
func NormalizeMAC(raw string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: invalid mac %q", apperr.ErrValidation, raw)
	}
	return strings.ToUpper(hw.String()), nil
}

// LocallyAdministered reports whether the second least significant bit of the first octet is set.
func LocallyAdministered(mac string) bool {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) == 0 {
		return false
	}
	return hw[0]&0x02 != 0
}

type MACType string

const (
	MACUniversal MACType = "universally_administered"
	MACLocal     MACType = "locally_administered"
)

// randomizedPrefixes are first octets commonly produced by vendor randomization.
var randomizedPrefixes = []struct {
	prefix string
	weight float64
	vendor string
}{
	{"02:", 0.6, "ios"},
	{"06:", 0.6, "ios"},
	{"0A:", 0.6, "ios"},
	{"0E:", 0.6, "ios"},
	{"DA:", 0.5, "android"},
	{"DE:", 0.5, "android"},
}

// RandomizationThreshold is the confidence at which a MAC is treated as randomized.
const RandomizationThreshold = 0.5

// MACAnalysis is the outcome of ClassifyMac.
type MACAnalysis struct {
	MAC          string
	Type         MACType
	Confidence   float64
	IsRandomized bool
	Indicators   []string
}

// ClassifyMac scores how likely mac is randomized. fp may be nil when the device is unknown.
func ClassifyMac(mac string, fp *Fingerprint) MACAnalysis {
	out := MACAnalysis{MAC: strings.ToUpper(mac), Type: MACUniversal}

	if LocallyAdministered(mac) {
		out.Type = MACLocal
		out.Confidence += 0.8
		out.Indicators = append(out.Indicators, "locally_administered_bit")
	}

	for _, p := range randomizedPrefixes {
		if strings.HasPrefix(out.MAC, p.prefix) {
			out.Confidence += p.weight
			out.Indicators = append(out.Indicators, p.vendor+"_randomized_prefix")
			break
		}
	}

	if fp != nil {
		if len(fp.KnownMACs) > 1 {
			out.Confidence += 0.7
			out.Indicators = append(out.Indicators, "multiple_macs_for_device")
		}
		if fp.MACRandomizationDetected {
			out.Confidence += 0.5
			out.Indicators = append(out.Indicators, "previously_flagged")
		}
	}

	out.IsRandomized = out.Confidence >= RandomizationThreshold
	return out
}
