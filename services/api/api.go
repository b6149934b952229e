// Package api exposes the hotspot engine over JSON HTTP for the captive portal and the admin
// console.
package api

import (
	"time"

	"hotspotd/services/enforcement"
	"hotspotd/services/engine"
	"hotspotd/services/identity"
)

// Response bodies carry durations in whole seconds.

type Message struct {
	Status  engine.Status `json:"status"`
	Message string        `json:"message"`
}

func messageOf(r engine.Result) Message {
	return Message{Status: r.Status, Message: r.Message}
}

type Rule struct {
	MAC       string     `json:"mac"`
	Type      string     `json:"rule_type"`
	Subject   string     `json:"subject"`
	Value     int        `json:"value"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func ruleOf(r enforcement.Rule) Rule {
	return Rule{
		MAC:       r.MAC,
		Type:      string(r.Type),
		Subject:   r.Subject,
		Value:     r.Value,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		LastError: r.LastError,
	}
}

type Block struct {
	MAC           string     `json:"mac"`
	Subject       string     `json:"subject"`
	Reason        string     `json:"reason"`
	Permanent     bool       `json:"is_permanent"`
	AutoUnblockAt *time.Time `json:"auto_unblock_at,omitempty"`
	Active        bool       `json:"is_active"`
	Violations    int        `json:"violations"`
	Notes         string     `json:"notes,omitempty"`
	BlockedAt     time.Time  `json:"blocked_at"`
}

func blockOf(b *enforcement.Block) *Block {
	if b == nil {
		return nil
	}
	return &Block{
		MAC:           b.MAC,
		Subject:       b.Subject,
		Reason:        string(b.Reason),
		Permanent:     b.Permanent,
		AutoUnblockAt: b.AutoUnblockAt,
		Active:        b.Active,
		Violations:    b.Violations,
		Notes:         b.Notes,
		BlockedAt:     b.BlockedAt,
	}
}

type Enforcement struct {
	Subject               string `json:"subject"`
	Rules                 []Rule `json:"rules"`
	Block                 *Block `json:"block,omitempty"`
	BlockRemainingSeconds int64  `json:"block_remaining_seconds,omitempty"`
}

type SessionStatus struct {
	Message
	MAC                string      `json:"mac"`
	State              string      `json:"state"`
	TimeLeftSeconds    int64       `json:"time_left_seconds"`
	PendingCoinCredit  int         `json:"pending_coin_credit"`
	PendingTimeSeconds int64       `json:"pending_time_seconds"`
	ActiveEnforcement  Enforcement `json:"active_enforcement"`
}

// SessionStatusOf converts an engine status to its wire form.
func SessionStatusOf(s engine.SessionStatus) SessionStatus {
	rules := make([]Rule, 0, len(s.Enforcement.Rules))
	for _, r := range s.Enforcement.Rules {
		rules = append(rules, ruleOf(r))
	}
	return SessionStatus{
		Message:            messageOf(s.Result),
		MAC:                s.MAC,
		State:              string(s.State),
		TimeLeftSeconds:    seconds(s.TimeLeft),
		PendingCoinCredit:  s.PendingCoins,
		PendingTimeSeconds: seconds(s.PendingTime),
		ActiveEnforcement: Enforcement{
			Subject:               s.Enforcement.Subject,
			Rules:                 rules,
			Block:                 blockOf(s.Enforcement.Block),
			BlockRemainingSeconds: seconds(s.Enforcement.BlockRemaining),
		},
	}
}

type ConnectRequest struct {
	IP          string           `json:"ip"`
	SessionID   string           `json:"session_id,omitempty"`
	Fingerprint *identity.Inputs `json:"fingerprint,omitempty"`
}

type ConnectResponse struct {
	Message
	Success         bool   `json:"success"`
	SessionID       string `json:"session_id,omitempty"`
	TimeLeftSeconds int64  `json:"time_left_seconds"`
	Subject         string `json:"subject,omitempty"`
	Classification  string `json:"ttl_classification,omitempty"`
	ConnectionLimit int    `json:"connection_limit,omitempty"`
	RuleApplied     bool   `json:"rule_applied,omitempty"`
	Blocked         bool   `json:"blocked,omitempty"`
}

func connectOf(r engine.ConnectResult) ConnectResponse {
	return ConnectResponse{
		Message:         messageOf(r.Result),
		Success:         r.Success,
		SessionID:       r.SessionID,
		TimeLeftSeconds: seconds(r.TimeLeft),
		Subject:         r.Subject,
		Classification:  string(r.Classification),
		ConnectionLimit: r.ConnectionLimit,
		RuleApplied:     r.Enforcement.RuleApplied || r.Enforcement.RuleExtended,
		Blocked:         r.Enforcement.BlockPlaced,
	}
}

type SlotRequest struct {
	DeviceID string `json:"device_id"`
}

type TimerRequest struct {
	DeviceID         string             `json:"device_id"`
	RemainingSeconds int                `json:"remaining_seconds"`
	Action           engine.TimerAction `json:"action"`
}

// CoinRequest carries either the coin denomination or the acceptor pulse count.
type CoinRequest struct {
	DeviceID     string `json:"device_id"`
	Denomination int    `json:"denomination"`
	Pulses       int    `json:"pulses,omitempty"`
}

type SlotResponse struct {
	Message
	Granted  bool `json:"granted"`
	Released bool `json:"released"`
}

type SlotView struct {
	Message
	Availability    string `json:"availability"`
	TotalCoins      int    `json:"total_coins"`
	TimeSeconds     int64  `json:"total_time_seconds"`
	ValiditySeconds int64  `json:"validity_seconds"`
}

type CoinResponse struct {
	Message
	Accepted               bool  `json:"accepted"`
	TotalCoins             int   `json:"total_coins"`
	PendingTimeSeconds     int64 `json:"pending_time_seconds"`
	PendingValiditySeconds int64 `json:"pending_validity_seconds"`
}

type RedeemRequest struct {
	Code string `json:"code"`
	MAC  string `json:"mac"`
	IP   string `json:"ip"`
}

type IssueRequest struct {
	DeviceID string `json:"device_id"`
}

type VoucherResponse struct {
	Message
	Success         bool   `json:"success"`
	Code            string `json:"code,omitempty"`
	GrantedSeconds  int64  `json:"granted_duration_seconds"`
	ValiditySeconds int64  `json:"validity_seconds"`
}

func voucherOf(r engine.VoucherResult) VoucherResponse {
	return VoucherResponse{
		Message:         messageOf(r.Result),
		Success:         r.Success,
		Code:            r.Code,
		GrantedSeconds:  seconds(r.Granted),
		ValiditySeconds: seconds(r.Validity),
	}
}

type CommandRequest struct {
	Kind            engine.CommandKind `json:"kind"`
	MAC             string             `json:"mac"`
	Reason          string             `json:"reason,omitempty"`
	DurationSeconds int64              `json:"duration_seconds,omitempty"`
	Permanent       bool               `json:"permanent,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	RuleType        string             `json:"rule_type,omitempty"`
}

func (c CommandRequest) command() engine.Command {
	return engine.Command{
		Kind:      c.Kind,
		MAC:       c.MAC,
		Reason:    enforcement.BlockReason(c.Reason),
		Duration:  time.Duration(c.DurationSeconds) * time.Second,
		Permanent: c.Permanent,
		Notes:     c.Notes,
		RuleType:  enforcement.RuleType(c.RuleType),
	}
}

type CommandResponse struct {
	Message
	Command         engine.CommandKind `json:"command"`
	State           string             `json:"state,omitempty"`
	TimeLeftSeconds int64              `json:"time_left_seconds,omitempty"`
	Block           *Block             `json:"block,omitempty"`
	KickStrategy    string             `json:"kick_strategy,omitempty"`
	KickError       string             `json:"kick_error,omitempty"`
}

// CommandOf converts a command result to its wire form; now anchors remaining block time.
func CommandOf(r engine.CommandResult, now time.Time) CommandResponse {
	out := CommandResponse{
		Message: messageOf(r.Result),
		Command: r.Command,
		Block:   blockOf(r.Block),
	}
	if r.Session != nil {
		out.State = string(r.Session.StateAt(now))
		out.TimeLeftSeconds = seconds(r.Session.Remaining(now))
	}
	if r.Kick != nil {
		out.KickStrategy = r.Kick.Strategy
		if r.Kick.Err != nil {
			out.KickError = r.Kick.Err.Error()
		}
	}
	return out
}

type SweepResponse struct {
	Message
	PurgedSessions    int `json:"purged_sessions"`
	ExpiredRules      int `json:"expired_rules"`
	UnblockedDevices  int `json:"unblocked_devices"`
	IdleConnections   int `json:"idle_connections"`
	PurgedConnections int `json:"purged_connections"`
	ExpiredVouchers   int `json:"expired_vouchers"`
}

func SweepOf(r engine.SweepReport) SweepResponse {
	return SweepResponse{
		Message:           messageOf(r.Result),
		PurgedSessions:    r.PurgedSessions,
		ExpiredRules:      r.ExpiredRules,
		UnblockedDevices:  r.UnblockedDevices,
		IdleConnections:   r.IdleConnections,
		PurgedConnections: r.PurgedConnections,
		ExpiredVouchers:   r.ExpiredVouchers,
	}
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
