package enforcement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hotspotd/pkg/apperr"
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with a per-call timeout and reports stderr on failure.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return nil
}

// DryRunner logs commands without running them.
type DryRunner struct {
	Logger zerolog.Logger
}

func (r DryRunner) Run(_ context.Context, name string, args ...string) error {
	r.Logger.Info().Str("cmd", name).Strs("args", args).Msg("dry run")
	return nil
}

// Strategy is one way of forcing a device off the network.
type Strategy interface {
	Name() string
	Disconnect(ctx context.Context, mac string) error
}

type commandStrategy struct {
	name   string
	runner Runner
	argv   func(mac string) []string
}

func (s commandStrategy) Name() string { return s.name }

func (s commandStrategy) Disconnect(ctx context.Context, mac string) error {
	argv := s.argv(mac)
	return s.runner.Run(ctx, argv[0], argv[1:]...)
}

// CommandStrategy builds a strategy that runs argv(mac).
func CommandStrategy(name string, runner Runner, argv func(mac string) []string) Strategy {
	return commandStrategy{name: name, runner: runner, argv: argv}
}

// DefaultKickStrategies returns the link-layer chain tried by Kick, most graceful first.
func DefaultKickStrategies(runner Runner, iface string) []Strategy {
	hostapd := func(action string) func(string) []string {
		return func(mac string) []string {
			args := []string{"hostapd_cli"}
			if iface != "" {
				args = append(args, "-i", iface)
			}
			return append(args, action, strings.ToLower(mac))
		}
	}
	return []Strategy{
		CommandStrategy("hostapd-deauthenticate", runner, hostapd("deauthenticate")),
		CommandStrategy("hostapd-disassociate", runner, hostapd("disassociate")),
		CommandStrategy("iwctl-disconnect", runner, func(mac string) []string {
			return []string{"iwctl", "station", strings.ToLower(mac), "disconnect"}
		}),
		FirewallDrop(runner),
	}
}

// Releaser is a strategy that leaves state behind until released.
type Releaser interface {
	Release(ctx context.Context, mac string) error
}

type dropStrategy struct {
	runner Runner
}

// FirewallDrop drops forwarded traffic from the MAC until released. The rule is installed once
// however often the device is kicked.
func FirewallDrop(runner Runner) Strategy {
	return dropStrategy{runner: runner}
}

func (dropStrategy) Name() string { return "firewall-drop" }

func (s dropStrategy) Disconnect(ctx context.Context, mac string) error {
	if s.installed(ctx, mac) {
		return nil
	}
	return s.iptables(ctx, "-I", mac)
}

func (s dropStrategy) Release(ctx context.Context, mac string) error {
	if !s.installed(ctx, mac) {
		return nil
	}
	return s.iptables(ctx, "-D", mac)
}

func (s dropStrategy) installed(ctx context.Context, mac string) bool {
	return s.iptables(ctx, "-C", mac) == nil
}

func (s dropStrategy) iptables(ctx context.Context, op, mac string) error {
	return s.runner.Run(ctx, "iptables", op, "FORWARD", "-m", "mac", "--mac-source", mac, "-j", "DROP")
}

// KickResult reports which strategy disconnected the device, if any.
type KickResult struct {
	Strategy string
	Err      error
}

// Succeeded reports whether any strategy worked.
func (r KickResult) Succeeded() bool { return r.Err == nil && r.Strategy != "" }

// Kicker tries strategies in order until one succeeds.
type Kicker struct {
	strategies []Strategy
	logger     zerolog.Logger
}

func NewKicker(strategies []Strategy, logger zerolog.Logger) *Kicker {
	return &Kicker{strategies: strategies, logger: logger}
}

func (k *Kicker) Kick(ctx context.Context, mac string) KickResult {
	if k == nil || len(k.strategies) == 0 {
		return KickResult{Err: fmt.Errorf("%w: no kick strategies configured", apperr.ErrEnforcement)}
	}

	var errs []error
	for _, s := range k.strategies {
		err := s.Disconnect(ctx, mac)
		if err == nil {
			k.logger.Info().Str("mac", mac).Str("strategy", s.Name()).Msg("device kicked")
			return KickResult{Strategy: s.Name()}
		}
		k.logger.Debug().Err(err).Str("mac", mac).Str("strategy", s.Name()).Msg("kick strategy failed")
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}

	err := fmt.Errorf("%w: %w", apperr.ErrEnforcement, errors.Join(errs...))
	k.logger.Warn().Err(err).Str("mac", mac).Msg("all kick strategies failed")
	return KickResult{Err: err}
}

// Release undoes whatever kick strategies left in place for mac.
func (k *Kicker) Release(ctx context.Context, mac string) error {
	if k == nil {
		return nil
	}
	var errs []error
	for _, s := range k.strategies {
		r, ok := s.(Releaser)
		if !ok {
			continue
		}
		if err := r.Release(ctx, mac); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", apperr.ErrEnforcement, errors.Join(errs...))
	}
	return nil
}

// Firewall installs and removes TTL rewriting for a MAC.
type Firewall interface {
	ApplyTTL(ctx context.Context, mac string, ttl int) error
	RemoveTTL(ctx context.Context, mac string, ttl int) error
}

// IPTables rewrites forwarded packets' TTL in the mangle table.
type IPTables struct {
	runner  Runner
	comment string
}

func NewIPTables(runner Runner) *IPTables {
	return &IPTables{runner: runner, comment: "hotspotd-ttl"}
}

func (f *IPTables) ApplyTTL(ctx context.Context, mac string, ttl int) error {
	return f.run(ctx, "-A", mac, ttl)
}

func (f *IPTables) RemoveTTL(ctx context.Context, mac string, ttl int) error {
	return f.run(ctx, "-D", mac, ttl)
}

func (f *IPTables) run(ctx context.Context, op, mac string, ttl int) error {
	err := f.runner.Run(ctx, "iptables",
		"-t", "mangle", op, "FORWARD",
		"-m", "mac", "--mac-source", mac,
		"-j", "TTL", "--ttl-set", strconv.Itoa(ttl),
		"-m", "comment", "--comment", f.comment,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrEnforcement, err)
	}
	return nil
}
