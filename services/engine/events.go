package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix roots every event subject published by the engine.
const SubjectPrefix = "hotspot."

const (
	EventConnected    = "sessions.connected"
	EventDisconnected = "sessions.disconnected"
	EventPaused       = "sessions.paused"
	EventResumed      = "sessions.resumed"
	EventKicked       = "sessions.kicked"

	EventSlotClaimed  = "slot.claimed"
	EventSlotReleased = "slot.released"
	EventCoinInserted = "coins.inserted"

	EventVoucherRedeemed = "vouchers.redeemed"
	EventVoucherIssued   = "vouchers.issued"

	EventRuleApplied = "enforcement.rule_applied"
	EventRuleRemoved = "enforcement.rule_removed"
	EventBlocked     = "enforcement.blocked"
	EventUnblocked   = "enforcement.unblocked"
	EventLimited     = "enforcement.limited"
)

// Event is the JSON body of every published message.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	MAC     string         `json:"mac,omitempty"`
	Actor   string         `json:"actor"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher delivers events to subscribers. pkg/bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

const (
	actorPortal = "portal"
	actorAdmin  = "admin"
	actorSystem = "system"
)

// publish is best effort; a lost event never fails the operation.
func (e *Engine) publish(ctx context.Context, typ, actor, mac string, details map[string]any) {
	if e.publisher == nil {
		return
	}
	evt := Event{ID: uuid.NewString(), Type: typ, MAC: mac, Actor: actor, Details: details, At: e.now().UTC()}
	if err := e.publisher.Publish(ctx, SubjectPrefix+typ, evt); err != nil {
		e.logger.Warn().Err(err).Str("event", typ).Str("mac", mac).Msg("publish event")
	}
}
