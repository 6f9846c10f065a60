package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
)

// LedgerStatus is the dedup signal returned by Ledger.RecordIfNew.
type LedgerStatus int

const (
	// Fresh means the event has not produced its effect yet and must be handled.
	Fresh LedgerStatus = iota
	// AlreadySeen means a previous delivery already committed the effect.
	AlreadySeen
)

func (s LedgerStatus) String() string {
	if s == AlreadySeen {
		return "already_seen"
	}
	return "fresh"
}

// Ledger durably records inbound events before any side effect runs.
type Ledger struct {
	repo Repository
}

// NewLedger creates a ledger over repo.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

// RecordIfNew inserts the event keyed by its provider id. An existing row that
// was never marked processed counts as Fresh again so redeliveries retry it.
func (l *Ledger) RecordIfNew(ctx context.Context, env Envelope) (LedgerStatus, *models.BillingWebhookEvent, error) {
	eventID := strings.TrimSpace(env.EventID)
	if eventID == "" {
		return Fresh, nil, errors.New("event id is required")
	}

	event := &models.BillingWebhookEvent{
		Provider:     models.BillingProviderStripe,
		EventID:      eventID,
		EventType:    strings.TrimSpace(env.Type),
		EventCreated: env.Created,
		PayloadJSON:  string(env.Payload),
	}
	_, stored, err := l.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		return Fresh, nil, err
	}
	if stored.IsProcessed() {
		return AlreadySeen, stored, nil
	}
	return Fresh, stored, nil
}

// ListUnprocessed returns events received before olderThan that never
// committed. Those are stuck unless the provider redelivers them.
func (l *Ledger) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.repo.ListUnprocessedWebhookEvents(ctx, olderThan, limit)
}
