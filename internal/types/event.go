package types

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"

	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// EventType is the stable discriminant of a strategy event variant.
type EventType string

const (
	EventTypeInitialEntry     EventType = "initial_entry"
	EventTypeRetracement      EventType = "retracement"
	EventTypeTakeProfit       EventType = "take_profit"
	EventTypeAddLayer         EventType = "add_layer"
	EventTypeRemoveLayer      EventType = "remove_layer"
	EventTypeVolatilityLock   EventType = "volatility_lock"
	EventTypeMarginProtection EventType = "margin_protection"
	EventTypeEntrySkipped     EventType = "entry_skipped"
	EventTypeStatusChanged    EventType = "status_changed"
	EventTypeGeneric          EventType = "generic"
)

// EventSchemaVersion is stamped on every emitted event payload. Bump the
// minor version when adding fields, the major version on breaking changes.
const EventSchemaVersion = "1.0.0"

// Event is a domain event emitted by a strategy during a single
// on_start/on_tick/on_stop call. Events are immutable once emitted; the
// event store assigns the per-execution sequence number on append.
type Event struct {
	Type          EventType `json:"type"`
	StrategyType  string    `json:"strategy_type"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schema_version"`
	// Payload is one of the *Payload structs below, keyed by Type.
	Payload any `json:"payload"`
}

// StoredEvent is an Event after it has been appended to the event log.
// (ExecutionID, Sequence) is unique; Sequence is 0-indexed and strictly
// increasing per execution.
type StoredEvent struct {
	ExecutionID   string          `json:"execution_id"`
	Sequence      int64           `json:"sequence"`
	Type          EventType       `json:"type"`
	StrategyType  string          `json:"strategy_type"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// InitialEntryPayload records the very first entry opened on a flat book.
type InitialEntryPayload struct {
	EntryID    string          `json:"entry_id"`
	Direction  Direction       `json:"direction"`
	Price      decimal.Decimal `json:"price"`
	Units      decimal.Decimal `json:"units"`
	FloorIndex int             `json:"floor_index"`
}

// RetracementPayload records a scale-in entry after an adverse move.
type RetracementPayload struct {
	EntryID          string          `json:"entry_id"`
	Direction        Direction       `json:"direction"`
	Price            decimal.Decimal `json:"price"`
	Units            decimal.Decimal `json:"units"`
	FloorIndex       int             `json:"floor_index"`
	RetracementCount int             `json:"retracement_count"`
}

// TakeProfitPayload records the close of the most recently opened entry.
type TakeProfitPayload struct {
	EntryID    string          `json:"entry_id"`
	Price      decimal.Decimal `json:"price"`
	Units      decimal.Decimal `json:"units"`
	PnL        decimal.Decimal `json:"pnl"`
	Pips       decimal.Decimal `json:"pips"`
	FloorIndex int             `json:"floor_index"`
}

// AddLayerPayload records a move to a deeper floor after the retracement
// budget for the current floor was exhausted.
type AddLayerPayload struct {
	FromFloor int `json:"from_floor"`
	ToFloor   int `json:"to_floor"`
}

// RemoveLayerPayload records a pop of the return stack back to the
// previously visited floor.
type RemoveLayerPayload struct {
	FromFloor int `json:"from_floor"`
	ToFloor   int `json:"to_floor"`
}

// VolatilityLockPayload records a volatility lock or unlock transition.
type VolatilityLockPayload struct {
	Locked      bool            `json:"locked"`
	ShortATR    decimal.Decimal `json:"short_atr"`
	BaselineATR decimal.Decimal `json:"baseline_atr"`
}

// MarginProtectionPayload records a forced partial or full close triggered
// by the margin guard. UnitsClosed is the exact total closed.
type MarginProtectionPayload struct {
	UnitsClosed decimal.Decimal `json:"units_closed"`
	RatioBefore decimal.Decimal `json:"ratio_before"`
	RatioAfter  decimal.Decimal `json:"ratio_after"`
}

// EntrySkippedPayload is a diagnostic emitted when a new entry was
// suppressed, e.g. by the market-condition override on a wide spread.
type EntrySkippedPayload struct {
	Reason     string          `json:"reason"`
	SpreadPips decimal.Decimal `json:"spread_pips"`
}

// StatusChangedPayload records an execution status transition.
type StatusChangedPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// GenericPayload carries free-form diagnostic data.
type GenericPayload struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NewEvent builds an Event stamped with the current schema version.
func NewEvent(eventType EventType, strategyType string, ts time.Time, payload any) Event {
	return Event{
		Type:          eventType,
		StrategyType:  strategyType,
		Timestamp:     ts.UTC(),
		SchemaVersion: EventSchemaVersion,
		Payload:       payload,
	}
}

// ValidateSchemaVersion checks that v parses as a semantic version and that
// its major version matches the current event schema.
func ValidateSchemaVersion(v string) error {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeInvalidSchemaVersion, err, "invalid event schema version %q", v)
	}

	current := semver.MustParse(EventSchemaVersion)
	if parsed.Major() != current.Major() {
		return errors.Newf(errors.ErrCodeInvalidSchemaVersion,
			"event schema version %q is incompatible with %q", v, EventSchemaVersion)
	}

	return nil
}

// DecodePayload unmarshals a stored payload into its typed struct, keyed by
// the event type discriminant.
func DecodePayload(eventType EventType, raw json.RawMessage) (any, error) {
	var payload any

	switch eventType {
	case EventTypeInitialEntry:
		payload = &InitialEntryPayload{}
	case EventTypeRetracement:
		payload = &RetracementPayload{}
	case EventTypeTakeProfit:
		payload = &TakeProfitPayload{}
	case EventTypeAddLayer:
		payload = &AddLayerPayload{}
	case EventTypeRemoveLayer:
		payload = &RemoveLayerPayload{}
	case EventTypeVolatilityLock:
		payload = &VolatilityLockPayload{}
	case EventTypeMarginProtection:
		payload = &MarginProtectionPayload{}
	case EventTypeEntrySkipped:
		payload = &EntrySkippedPayload{}
	case EventTypeStatusChanged:
		payload = &StatusChangedPayload{}
	case EventTypeGeneric:
		payload = &GenericPayload{}
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidEventPayload, "unknown event type %q", eventType)
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidEventPayload, err, "failed to decode %s payload", eventType)
	}

	return payload, nil
}
