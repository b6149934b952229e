package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RateMode string

const (
	// RateModeManual converts coins greedily over the configured denominations.
	RateModeManual RateMode = "manual"
	// RateModeAuto grants BaseValue per coin.
	RateModeAuto RateMode = "auto"
)

// Rate maps one coin denomination to purchased time and an optional validity window.
type Rate struct {
	Denomination int           `yaml:"denomination" json:"denomination"`
	Pulse        int           `yaml:"pulse,omitempty" json:"pulse,omitempty"`
	Duration     time.Duration `yaml:"duration" json:"duration"`
	Validity     time.Duration `yaml:"validity,omitempty" json:"validity,omitempty"`
}

// Rates decodes from "denom:duration[:validity]" entries separated by ";".
type Rates []Rate

func (r *Rates) EnvDecode(val string) error {
	parsed, err := ParseRates(val)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

type RateTable struct {
	Mode      RateMode      `env:"RATE_MODE,default=manual" yaml:"mode"`
	BaseValue time.Duration `env:"RATE_BASE_VALUE,default=10m" yaml:"base_value"`
	Rates     Rates         `env:"RATES,default=1:10m;5:1h:24h;10:3h:72h" yaml:"rates"`
}

func ParseRates(val string) (Rates, error) {
	var out Rates
	for _, entry := range strings.Split(val, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid rate %q", entry)
		}
		denom, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || denom <= 0 {
			return nil, fmt.Errorf("invalid rate denomination %q", parts[0])
		}
		duration, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if err != nil || duration <= 0 {
			return nil, fmt.Errorf("invalid rate duration %q", parts[1])
		}
		rate := Rate{Denomination: denom, Duration: duration}
		if len(parts) == 3 {
			validity, err := time.ParseDuration(strings.TrimSpace(parts[2]))
			if err != nil || validity < 0 {
				return nil, fmt.Errorf("invalid rate validity %q", parts[2])
			}
			rate.Validity = validity
		}
		out = append(out, rate)
	}
	return out, nil
}

// LoadRatesFile replaces the rate table with the contents of a YAML file.
func LoadRatesFile(path string) (RateTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RateTable{}, fmt.Errorf("read rates file: %w", err)
	}
	var table RateTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return RateTable{}, fmt.Errorf("parse rates file: %w", err)
	}
	if table.Mode == "" {
		table.Mode = RateModeManual
	}
	return table, table.Validate()
}

func (t RateTable) Validate() error {
	switch t.Mode {
	case RateModeManual, RateModeAuto:
	default:
		return fmt.Errorf("invalid RATE_MODE: %q", t.Mode)
	}
	if t.Mode == RateModeAuto && t.BaseValue <= 0 {
		return fmt.Errorf("invalid RATE_BASE_VALUE: %s", t.BaseValue)
	}
	if len(t.Rates) == 0 {
		return fmt.Errorf("at least one rate is required")
	}
	seen := make(map[int]struct{}, len(t.Rates))
	pulses := make(map[int]int, len(t.Rates))
	for _, r := range t.Rates {
		if r.Denomination <= 0 || r.Duration <= 0 || r.Pulse < 0 {
			return fmt.Errorf("invalid rate for denomination %d", r.Denomination)
		}
		if _, ok := seen[r.Denomination]; ok {
			return fmt.Errorf("duplicate rate for denomination %d", r.Denomination)
		}
		seen[r.Denomination] = struct{}{}
		if other, ok := pulses[r.PulseCount()]; ok {
			return fmt.Errorf("denominations %d and %d share pulse count %d", other, r.Denomination, r.PulseCount())
		}
		pulses[r.PulseCount()] = r.Denomination
	}
	return nil
}

// Lookup returns the rate accepting the given coin denomination.
func (t RateTable) Lookup(denomination int) (Rate, bool) {
	for _, r := range t.Rates {
		if r.Denomination == denomination {
			return r, true
		}
	}
	return Rate{}, false
}

// PulseCount is the number of acceptor pulses a coin of this rate produces. Rates without
// an explicit count pulse once per unit of denomination.
func (r Rate) PulseCount() int {
	if r.Pulse > 0 {
		return r.Pulse
	}
	return r.Denomination
}

// LookupPulse returns the rate whose coin acceptor pulse count matches.
func (t RateTable) LookupPulse(pulse int) (Rate, bool) {
	if pulse <= 0 {
		return Rate{}, false
	}
	for _, r := range t.Rates {
		if r.PulseCount() == pulse {
			return r, true
		}
	}
	return Rate{}, false
}

// Convert turns accumulated coins into purchased time and the validity window that comes with it.
func (t RateTable) Convert(coins int) (time.Duration, time.Duration) {
	if coins <= 0 {
		return 0, 0
	}

	if t.Mode == RateModeAuto {
		var validity time.Duration
		if r, ok := t.Lookup(coins); ok {
			validity = r.Validity
		}
		return t.BaseValue * time.Duration(coins), validity
	}

	rates := append(Rates(nil), t.Rates...)
	sort.Slice(rates, func(i, j int) bool { return rates[i].Denomination > rates[j].Denomination })

	var total, validity time.Duration
	remaining := coins
	for _, r := range rates {
		multiplier := remaining / r.Denomination
		if multiplier <= 0 {
			continue
		}
		remaining -= r.Denomination * multiplier
		total += r.Duration * time.Duration(multiplier)
		if r.Validity > validity {
			validity = r.Validity
		}
	}
	return total, validity
}
