// Package events appends domain events to the transactional outbox. Delivery
// to external consumers reads the outbox by sequence.
package events

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"lukechampine.com/blake3"

	"cycleswap/services/cycled/models"
	"cycleswap/services/cycled/store"
)

// Event types.
const (
	TypeIntentReserved      = "intent.reserved"
	TypeIntentUnreserved    = "intent.unreserved"
	TypeCycleStateChanged   = "cycle.state_changed"
	TypeDepositRequired     = "settlement.deposit_required"
	TypeDepositConfirmed    = "settlement.deposit_confirmed"
	TypeSettlementExecuting = "settlement.executing"
	TypeReceiptCreated      = "receipt.created"
)

// Cycle states reported on cycle.state_changed that sit before settlement.
const (
	CycleProposed = "proposed"
	CycleAccepted = "accepted"
	CycleFailed   = "failed"
)

// Spec describes an event to append.
type Spec struct {
	Type       string
	CycleID    string
	CommitID   string
	IntentID   string
	LegID      string
	FromState  string
	ToState    string
	ReasonCode string
	Payload    map[string]any
	OccurredAt time.Time
}

// ID derives the deterministic identifier consumers de-duplicate on.
func (s Spec) ID() string {
	h := blake3.New(32, nil)
	for _, part := range []string{
		s.Type, s.CycleID, s.CommitID, s.IntentID, s.LegID,
		s.FromState, s.ToState, s.ReasonCode,
		strconv.FormatInt(s.OccurredAt.UTC().UnixNano(), 10),
	} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return "evt_" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Recorder appends events within the caller's transaction.
type Recorder struct {
	appended metric.Int64Counter
}

var (
	recorderOnce sync.Once
	appended     metric.Int64Counter
)

// NewRecorder constructs a recorder bound to the global meter provider.
func NewRecorder() *Recorder {
	recorderOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("cycleswap/events")
		counter, err := meter.Int64Counter("cycleswap.events.appended")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("cycleswap/events").Int64Counter("cycleswap.events.appended")
		}
		appended = counter
	})
	return &Recorder{appended: appended}
}

// Append writes spec to the outbox.
func (r *Recorder) Append(tx *store.Tx, spec Spec) error {
	evt := &models.Event{
		ID:         spec.ID(),
		Type:       spec.Type,
		CycleID:    spec.CycleID,
		CommitID:   spec.CommitID,
		IntentID:   spec.IntentID,
		LegID:      spec.LegID,
		FromState:  spec.FromState,
		ToState:    spec.ToState,
		ReasonCode: spec.ReasonCode,
		OccurredAt: spec.OccurredAt.UTC(),
	}
	if len(spec.Payload) > 0 {
		raw, err := json.Marshal(spec.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		evt.Payload = string(raw)
	}
	if err := tx.AppendEvent(evt); err != nil {
		return err
	}
	if r != nil && r.appended != nil {
		r.appended.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", spec.Type)))
	}
	return nil
}

// StateChanged is shorthand for a cycle.state_changed event.
func (r *Recorder) StateChanged(tx *store.Tx, cycleID, commitID, from, to, reason string, at time.Time) error {
	return r.Append(tx, Spec{
		Type:       TypeCycleStateChanged,
		CycleID:    cycleID,
		CommitID:   commitID,
		FromState:  from,
		ToState:    to,
		ReasonCode: reason,
		OccurredAt: at,
	})
}

// Feed reads the outbox.
type Feed struct {
	store store.Transactor
}

// NewFeed constructs a feed reader.
func NewFeed(st store.Transactor) *Feed {
	return &Feed{store: st}
}

// DefaultPageSize caps feed pages when the caller does not.
const DefaultPageSize = 100

// After returns events with a sequence greater than cursor.
func (f *Feed) After(ctx context.Context, cursor int64, limit int) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = DefaultPageSize
	}
	var out []models.Event
	err := f.store.View(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListEvents(cursor, limit)
		return err
	})
	return out, err
}
