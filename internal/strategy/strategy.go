// Package strategy contains the pluggable trading policies. Strategies
// are pure: given the same inputs they always propose the same orders,
// and they hold no state of their own.
package strategy

import (
	"fmt"
	"sort"

	"tradeloop/engine/internal/model"
)

// Input is everything a strategy may consult on one evaluation
type Input struct {
	Symbol    string
	Price     float64
	PrevPrice float64
	Position  model.Position
	Config    model.StrategyConfig
	// EmittedLevels maps grid level index to the order ID already
	// emitted at that level; strategies must not propose a second
	// order for an occupied level.
	EmittedLevels map[int]string
}

// OrderIntent is one proposed order. The bot manager owns submission,
// persistence, and fill handling.
type OrderIntent struct {
	Side     string
	Quantity float64
	Price    float64
	Level    int
	Reason   string
}

// Strategy maps market and position state to proposed orders
type Strategy interface {
	Name() string
	Evaluate(in Input) []OrderIntent
}

var registry = map[string]func() Strategy{
	"grid":           func() Strategy { return &GridStrategy{} },
	"dca":            func() Strategy { return &DCAStrategy{} },
	"mean_reversion": func() Strategy { return &MeanReversionStrategy{} },
	"momentum":       func() Strategy { return &MomentumStrategy{} },
	"breakout":       func() Strategy { return &BreakoutStrategy{} },
}

// New returns a strategy instance by name
func New(name string) (Strategy, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(), nil
}

// Names lists the registered strategy names
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
