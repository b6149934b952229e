package engine

import (
	"time"

	"hotspotd/services/enforcement"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/slot"
)

// Status is the outcome category every engine operation reports.
type Status string

const (
	StatusOK                  Status = "OK"
	StatusBusy                Status = "BUSY"
	StatusUnknownDenomination Status = "UNKNOWN_DENOMINATION"
	StatusNotFound            Status = "NOT_FOUND"
	StatusValidityExpired     Status = "VALIDITY_EXPIRED"
	StatusInvalidVoucher      Status = "INVALID_VOUCHER"
	StatusBlocked             Status = "BLOCKED"
	StatusLimitExceeded       Status = "LIMIT_EXCEEDED"
	StatusInvalid             Status = "INVALID"
)

// Result carries the outcome category and the message shown to the user.
type Result struct {
	Status  Status
	Message string
}

func (r Result) OK() bool { return r.Status == StatusOK }

// Enforcement is what currently applies to a device.
type Enforcement struct {
	Subject        string
	Rules          []enforcement.Rule
	Block          *enforcement.Block
	BlockRemaining time.Duration
}

type SessionStatus struct {
	Result
	MAC          string
	State        session.State
	TimeLeft     time.Duration
	PendingCoins int
	PendingTime  time.Duration
	Enforcement  Enforcement
}

type SlotResult struct {
	Result
	Granted  bool
	Released bool
}

type SlotView struct {
	Result
	slot.Status
}

type CoinResult struct {
	Result
	Accepted        bool
	TotalCoins      int
	PendingTime     time.Duration
	PendingValidity time.Duration
}

type ConnectResult struct {
	Result
	Success         bool
	SessionID       string
	TimeLeft        time.Duration
	Subject         string
	Classification  sharing.Classification
	ConnectionLimit int
	Enforcement     enforcement.Decision
}

type VoucherResult struct {
	Result
	Success  bool
	Code     string
	Granted  time.Duration
	Validity time.Duration
}

type CommandResult struct {
	Result
	Command CommandKind
	Session *session.Session
	Block   *enforcement.Block
	Kick    *enforcement.KickResult
}

type SweepReport struct {
	Result
	PurgedSessions    int
	ExpiredRules      int
	UnblockedDevices  int
	IdleConnections   int
	PurgedConnections int
	ExpiredVouchers   int
}

// messageData feeds the message templates.
type messageData struct {
	TimeLeft  time.Duration
	Remaining time.Duration
	Reason    string
	Code      string
}

// result renders the message template named after tmpl; a missing template falls back to
// the status itself.
func (e *Engine) result(status Status, tmpl string, data messageData) Result {
	msg, err := e.renderer.Render(tmpl, data)
	if err != nil {
		e.logger.Debug().Err(err).Str("template", tmpl).Msg("message not rendered")
		msg = string(status)
	}
	return Result{Status: status, Message: msg}
}

func (e *Engine) invalid(reason string) Result {
	return e.result(StatusInvalid, "invalid", messageData{Reason: reason})
}

func (e *Engine) notFound(reason string) Result {
	return e.result(StatusNotFound, "not_found", messageData{Reason: reason})
}

func (e *Engine) blocked(b enforcement.Block, now time.Time) Result {
	return e.result(StatusBlocked, "blocked", messageData{Reason: string(b.Reason), Remaining: b.Remaining(now)})
}
