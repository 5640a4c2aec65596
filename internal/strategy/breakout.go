package strategy

import (
	"fmt"

	"tradeloop/engine/internal/model"
)

// BreakoutStrategy buys when price breaks above the reference band and
// stops out the full position when it falls back below the band.
type BreakoutStrategy struct{}

func (s *BreakoutStrategy) Name() string { return "breakout" }

func (s *BreakoutStrategy) Evaluate(in Input) []OrderIntent {
	cfg := in.Config
	if cfg.ReferencePrice <= 0 || cfg.GridSpacingPercent <= 0 || in.Price <= 0 {
		return nil
	}

	band := cfg.GridSpacingPercent / 100
	breakoutPrice := cfg.ReferencePrice * (1 + band)
	stopPrice := cfg.ReferencePrice * (1 - band)

	if in.Price >= breakoutPrice && in.Position.Quantity == 0 {
		return []OrderIntent{{
			Side:     model.OrderSideBuy,
			Quantity: cfg.OrderSizeQuote / in.Price,
			Price:    in.Price,
			Reason:   fmt.Sprintf("breakout above %.8g", breakoutPrice),
		}}
	}

	if in.Price <= stopPrice && in.Position.Quantity > 0 {
		return []OrderIntent{{
			Side:     model.OrderSideSell,
			Quantity: in.Position.Quantity,
			Price:    in.Price,
			Reason:   fmt.Sprintf("stop below %.8g", stopPrice),
		}}
	}

	return nil
}
