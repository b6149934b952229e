// Package memstore keeps every repository in process memory. It backs the test suites and
// HOTSPOT_STORE=memory development runs.
package memstore

import (
	"sync"

	"hotspotd/services/audit"
	"hotspotd/services/enforcement"
	"hotspotd/services/identity"
	"hotspotd/services/session"
	"hotspotd/services/sharing"
	"hotspotd/services/slot"
	"hotspotd/services/voucher"
)

type ruleKey struct {
	mac string
	typ enforcement.RuleType
}

type connKey struct {
	mac       string
	sessionID string
}

// Store implements the repositories of every engine component behind one mutex, which makes
// each call atomic with respect to all others.
type Store struct {
	mu sync.Mutex

	sessions     map[string]session.Session
	fingerprints map[string]identity.Fingerprint
	observations []sharing.Observation
	nextObsID    int64

	slot   slot.Slot
	queues map[string]slot.Queue
	ledger []slot.LedgerEntry

	rules       map[ruleKey]enforcement.Rule
	blocks      map[string]enforcement.Block
	connections map[connKey]enforcement.ConnectionRecord

	vouchers map[string]voucher.Voucher

	audit       []audit.Record
	nextAuditID int64
}

func New() *Store {
	return &Store{
		sessions:     make(map[string]session.Session),
		fingerprints: make(map[string]identity.Fingerprint),
		queues:       make(map[string]slot.Queue),
		rules:        make(map[ruleKey]enforcement.Rule),
		blocks:       make(map[string]enforcement.Block),
		connections:  make(map[connKey]enforcement.ConnectionRecord),
		vouchers:     make(map[string]voucher.Voucher),
	}
}

var (
	_ session.Repository     = (*Store)(nil)
	_ identity.Repository    = (*Store)(nil)
	_ sharing.Repository     = (*Store)(nil)
	_ slot.Store             = (*Store)(nil)
	_ enforcement.Repository = (*Store)(nil)
	_ voucher.Repository     = (*Store)(nil)
	_ audit.Sink             = (*Store)(nil)
)
