package strategy

import (
	"fmt"

	"tradeloop/engine/internal/model"
)

// DCAStrategy accumulates a position by buying a fixed quote amount
// each time price falls another spacing step below the reference
// price. It never sells; exits are manual or via a new run.
type DCAStrategy struct{}

func (s *DCAStrategy) Name() string { return "dca" }

func (s *DCAStrategy) Evaluate(in Input) []OrderIntent {
	cfg := in.Config
	if cfg.ReferencePrice <= 0 || cfg.GridSpacingPercent <= 0 || in.Price <= 0 {
		return nil
	}

	steps := cfg.GridLevels
	if steps < 1 {
		steps = 10
	}
	spacing := cfg.GridSpacingPercent / 100

	var intents []OrderIntent
	for i := 1; i <= steps; i++ {
		levelPrice := cfg.ReferencePrice * (1 - float64(i)*spacing)
		if levelPrice <= 0 || in.Price > levelPrice {
			break
		}
		if _, occupied := in.EmittedLevels[-i]; occupied {
			continue
		}
		intents = append(intents, OrderIntent{
			Side:     model.OrderSideBuy,
			Quantity: cfg.OrderSizeQuote / levelPrice,
			Price:    levelPrice,
			Level:    -i,
			Reason:   fmt.Sprintf("dca step %d at %.8g", i, levelPrice),
		})
	}

	return intents
}
