// Package orders turns strategy events into broker actions. The simulated
// dispatcher records intents without touching a broker; the live dispatcher
// forwards validated orders to a broker client. Dispatch failures surface
// as OrderServiceError so the executor can log and continue rather than
// fail the execution.
package orders

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

// Order is a broker-facing instruction derived from a strategy event.
type Order struct {
	EntryID    string
	Instrument string
	Direction  types.Direction
	Units      decimal.Decimal
	// Close marks a position-reducing order; open otherwise.
	Close bool
}

// Dispatcher consumes the events a strategy emits on each callback.
type Dispatcher interface {
	HandleEvent(ctx context.Context, executionID string, event types.Event) error
}

// BrokerClient is the minimal broker surface the live dispatcher needs.
type BrokerClient interface {
	SubmitOrder(ctx context.Context, order Order) error
	ClosePosition(ctx context.Context, entryID string, units decimal.Decimal) error
}

// ComplianceChecker vets an order before it reaches the broker.
type ComplianceChecker interface {
	// ValidateOrder returns whether the order may be placed and, when it
	// may not, the reason.
	ValidateOrder(ctx context.Context, order Order) (bool, string)
}

// NoopCompliance approves everything. The default for dry runs.
type NoopCompliance struct{}

func (NoopCompliance) ValidateOrder(context.Context, Order) (bool, string) {
	return true, ""
}

// MaxUnitsCompliance rejects orders above a fixed unit ceiling.
type MaxUnitsCompliance struct {
	MaxUnits decimal.Decimal
}

func (c MaxUnitsCompliance) ValidateOrder(_ context.Context, order Order) (bool, string) {
	if order.Units.GreaterThan(c.MaxUnits) {
		return false, "order exceeds max units"
	}

	return true, ""
}

// SimulatedDispatcher logs order intents without placing them. Used for
// backtests and dry runs.
type SimulatedDispatcher struct {
	logger *logger.Logger
}

// NewSimulatedDispatcher creates a dry-run dispatcher.
func NewSimulatedDispatcher(l *logger.Logger) *SimulatedDispatcher {
	return &SimulatedDispatcher{logger: l}
}

var _ Dispatcher = (*SimulatedDispatcher)(nil)

// HandleEvent implements Dispatcher.
func (d *SimulatedDispatcher) HandleEvent(_ context.Context, executionID string, event types.Event) error {
	order, actionable := orderFromEvent(event)
	if !actionable {
		return nil
	}

	d.logger.Info("simulated order",
		zap.String("execution_id", executionID),
		zap.String("event_type", string(event.Type)),
		zap.String("entry_id", order.EntryID),
		zap.String("units", order.Units.String()),
		zap.Bool("close", order.Close))

	return nil
}

// LiveDispatcher validates and forwards orders to a broker.
type LiveDispatcher struct {
	broker     BrokerClient
	compliance ComplianceChecker
	instrument string
	logger     *logger.Logger
}

// NewLiveDispatcher creates a dispatcher backed by a real broker client.
func NewLiveDispatcher(broker BrokerClient, compliance ComplianceChecker, instrument string, l *logger.Logger) *LiveDispatcher {
	if compliance == nil {
		compliance = NoopCompliance{}
	}

	return &LiveDispatcher{
		broker:     broker,
		compliance: compliance,
		instrument: instrument,
		logger:     l,
	}
}

var _ Dispatcher = (*LiveDispatcher)(nil)

// HandleEvent implements Dispatcher. Broker and compliance failures come
// back as *errors.OrderServiceError: the executor logs them and keeps
// processing ticks.
func (d *LiveDispatcher) HandleEvent(ctx context.Context, executionID string, event types.Event) error {
	order, actionable := orderFromEvent(event)
	if !actionable {
		return nil
	}

	order.Instrument = d.instrument

	valid, reason := d.compliance.ValidateOrder(ctx, order)
	if !valid {
		return errors.NewOrderServiceError(string(event.Type), "order rejected by compliance: "+reason)
	}

	var err error
	if order.Close {
		err = d.broker.ClosePosition(ctx, order.EntryID, order.Units)
	} else {
		err = d.broker.SubmitOrder(ctx, order)
	}

	if err != nil {
		return errors.NewOrderServiceErrorf(string(event.Type), err,
			"broker rejected order for execution %s", executionID)
	}

	d.logger.Info("order dispatched",
		zap.String("execution_id", executionID),
		zap.String("event_type", string(event.Type)),
		zap.String("entry_id", order.EntryID),
		zap.String("units", order.Units.String()),
		zap.Bool("close", order.Close))

	return nil
}

// orderFromEvent maps the actionable event variants to orders. Diagnostic
// events (layer moves, locks, skips) produce no order.
func orderFromEvent(event types.Event) (Order, bool) {
	switch payload := event.Payload.(type) {
	case types.InitialEntryPayload:
		return Order{EntryID: payload.EntryID, Direction: payload.Direction, Units: payload.Units}, true
	case types.RetracementPayload:
		return Order{EntryID: payload.EntryID, Direction: payload.Direction, Units: payload.Units}, true
	case types.TakeProfitPayload:
		return Order{EntryID: payload.EntryID, Units: payload.Units, Close: true}, true
	case types.MarginProtectionPayload:
		return Order{Units: payload.UnitsClosed, Close: true}, true
	default:
		return Order{}, false
	}
}
