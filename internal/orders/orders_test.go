package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/gridflow-lab/gridflow/internal/logger"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) SubmitOrder(ctx context.Context, order Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *mockBroker) ClosePosition(ctx context.Context, entryID string, units decimal.Decimal) error {
	args := m.Called(ctx, entryID, units)
	return args.Error(0)
}

type OrdersTestSuite struct {
	suite.Suite
	broker *mockBroker
	ts     time.Time
}

func TestOrdersTestSuite(t *testing.T) {
	suite.Run(t, new(OrdersTestSuite))
}

func (s *OrdersTestSuite) SetupTest() {
	s.broker = new(mockBroker)
	s.ts = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func (s *OrdersTestSuite) entryEvent(units int64) types.Event {
	return types.NewEvent(types.EventTypeInitialEntry, "floor", s.ts, types.InitialEntryPayload{
		EntryID:   "entry-1",
		Direction: types.DirectionLong,
		Price:     decimal.RequireFromString("1.1000"),
		Units:     decimal.NewFromInt(units),
	})
}

func (s *OrdersTestSuite) TestSimulatedDispatcherNeverFails() {
	dispatcher := NewSimulatedDispatcher(logger.NewNopLogger())

	s.NoError(dispatcher.HandleEvent(context.Background(), "exec-1", s.entryEvent(1000)))

	diagnostic := types.NewEvent(types.EventTypeVolatilityLock, "floor", s.ts,
		types.VolatilityLockPayload{Locked: true})
	s.NoError(dispatcher.HandleEvent(context.Background(), "exec-1", diagnostic))
}

func (s *OrdersTestSuite) TestLiveDispatcherSubmitsEntries() {
	dispatcher := NewLiveDispatcher(s.broker, nil, "EUR_USD", logger.NewNopLogger())

	s.broker.On("SubmitOrder", mock.Anything, mock.MatchedBy(func(order Order) bool {
		return order.EntryID == "entry-1" &&
			order.Instrument == "EUR_USD" &&
			!order.Close &&
			order.Units.Equal(decimal.NewFromInt(1000))
	})).Return(nil)

	s.NoError(dispatcher.HandleEvent(context.Background(), "exec-1", s.entryEvent(1000)))
	s.broker.AssertExpectations(s.T())
}

func (s *OrdersTestSuite) TestLiveDispatcherClosesOnTakeProfit() {
	dispatcher := NewLiveDispatcher(s.broker, nil, "EUR_USD", logger.NewNopLogger())

	event := types.NewEvent(types.EventTypeTakeProfit, "floor", s.ts, types.TakeProfitPayload{
		EntryID: "entry-1",
		Units:   decimal.NewFromInt(2000),
	})

	s.broker.On("ClosePosition", mock.Anything, "entry-1",
		mock.MatchedBy(func(units decimal.Decimal) bool {
			return units.Equal(decimal.NewFromInt(2000))
		})).Return(nil)

	s.NoError(dispatcher.HandleEvent(context.Background(), "exec-1", event))
	s.broker.AssertExpectations(s.T())
}

func (s *OrdersTestSuite) TestLiveDispatcherSkipsDiagnosticEvents() {
	dispatcher := NewLiveDispatcher(s.broker, nil, "EUR_USD", logger.NewNopLogger())

	event := types.NewEvent(types.EventTypeAddLayer, "floor", s.ts,
		types.AddLayerPayload{FromFloor: 0, ToFloor: 1})

	s.NoError(dispatcher.HandleEvent(context.Background(), "exec-1", event))
	s.broker.AssertNotCalled(s.T(), "SubmitOrder", mock.Anything, mock.Anything)
}

func (s *OrdersTestSuite) TestComplianceRejectionIsOrderServiceError() {
	compliance := MaxUnitsCompliance{MaxUnits: decimal.NewFromInt(500)}
	dispatcher := NewLiveDispatcher(s.broker, compliance, "EUR_USD", logger.NewNopLogger())

	err := dispatcher.HandleEvent(context.Background(), "exec-1", s.entryEvent(1000))

	s.Require().Error(err)
	s.True(errors.IsOrderServiceError(err))
	s.broker.AssertNotCalled(s.T(), "SubmitOrder", mock.Anything, mock.Anything)
}

func (s *OrdersTestSuite) TestBrokerFailureIsOrderServiceError() {
	dispatcher := NewLiveDispatcher(s.broker, nil, "EUR_USD", logger.NewNopLogger())

	s.broker.On("SubmitOrder", mock.Anything, mock.Anything).
		Return(errors.New(errors.ErrCodeOrderRejected, "insufficient margin"))

	err := dispatcher.HandleEvent(context.Background(), "exec-1", s.entryEvent(1000))

	s.Require().Error(err)
	s.True(errors.IsOrderServiceError(err))
}
