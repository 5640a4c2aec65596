package strategy

import (
	"fmt"

	"tradeloop/engine/internal/model"
)

// GridStrategy places buy levels below and sell levels above a
// reference price at fixed percentage offsets. A buy is emitted when
// price crosses a level downward and the level is unoccupied; sells
// are symmetric on upward crossings. Half of GridLevels sit on each
// side of the reference price.
type GridStrategy struct{}

func (s *GridStrategy) Name() string { return "grid" }

func (s *GridStrategy) Evaluate(in Input) []OrderIntent {
	cfg := in.Config
	if cfg.ReferencePrice <= 0 || cfg.GridSpacingPercent <= 0 || in.Price <= 0 {
		return nil
	}

	levels := cfg.GridLevels
	if levels < 2 {
		levels = 2
	}
	side := levels / 2
	spacing := cfg.GridSpacingPercent / 100

	var intents []OrderIntent

	// Buy levels: -1..-side, prices below reference
	for i := 1; i <= side; i++ {
		levelPrice := cfg.ReferencePrice * (1 - float64(i)*spacing)
		if levelPrice <= 0 {
			break
		}
		if in.Price > levelPrice {
			// Levels are ordered; deeper ones cannot be crossed either
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
			Reason:   fmt.Sprintf("grid buy level %d at %.8g", -i, levelPrice),
		})
	}

	// Sell levels: +1..+side, prices above reference, capped by inventory
	available := in.Position.Quantity
	for i := 1; i <= side; i++ {
		levelPrice := cfg.ReferencePrice * (1 + float64(i)*spacing)
		if in.Price < levelPrice {
			break
		}
		if _, occupied := in.EmittedLevels[i]; occupied {
			continue
		}
		qty := cfg.OrderSizeQuote / levelPrice
		if qty > available {
			qty = available
		}
		if qty <= 0 {
			break
		}
		available -= qty
		intents = append(intents, OrderIntent{
			Side:     model.OrderSideSell,
			Quantity: qty,
			Price:    levelPrice,
			Level:    i,
			Reason:   fmt.Sprintf("grid sell level %d at %.8g", i, levelPrice),
		})
	}

	return intents
}
