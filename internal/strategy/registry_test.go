package strategy_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/gridflow-lab/gridflow/internal/strategy"
	"github.com/gridflow-lab/gridflow/internal/types"
	"github.com/gridflow-lab/gridflow/pkg/errors"
)

type stubStrategy struct {
	config string
}

func (s *stubStrategy) Type() string { return "stub" }

func (s *stubStrategy) OnStart(_ *types.ExecutionState) (strategy.Result, error) {
	return strategy.Result{}, nil
}

func (s *stubStrategy) OnTick(_ types.Tick, _ *types.ExecutionState) (strategy.Result, error) {
	return strategy.Result{}, nil
}

func (s *stubStrategy) OnStop(_ *types.ExecutionState) (strategy.Result, error) {
	return strategy.Result{}, nil
}

type RegistryTestSuite struct {
	suite.Suite
	registry *strategy.Registry
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) SetupTest() {
	s.registry = strategy.NewRegistry()
}

func (s *RegistryTestSuite) TestCreateRegistered() {
	s.registry.Register("stub", func(config string) (strategy.Strategy, error) {
		return &stubStrategy{config: config}, nil
	})

	created, err := s.registry.Create("stub", "key: value")
	s.Require().NoError(err)
	s.Equal("stub", created.Type())

	stub, ok := created.(*stubStrategy)
	s.Require().True(ok)
	s.Equal("key: value", stub.config)
}

func (s *RegistryTestSuite) TestCreateUnknownType() {
	_, err := s.registry.Create("nope", "")
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeStrategyNotRegistered))
}

func (s *RegistryTestSuite) TestRegisterReplaces() {
	s.registry.Register("stub", func(string) (strategy.Strategy, error) {
		return &stubStrategy{config: "first"}, nil
	})
	s.registry.Register("stub", func(string) (strategy.Strategy, error) {
		return &stubStrategy{config: "second"}, nil
	})

	created, err := s.registry.Create("stub", "")
	s.Require().NoError(err)
	s.Equal("second", created.(*stubStrategy).config)
}

func (s *RegistryTestSuite) TestTypes() {
	s.Empty(s.registry.Types())

	s.registry.Register("a", func(string) (strategy.Strategy, error) { return &stubStrategy{}, nil })
	s.registry.Register("b", func(string) (strategy.Strategy, error) { return &stubStrategy{}, nil })

	s.ElementsMatch([]string{"a", "b"}, s.registry.Types())
}
