package strategy

import (
	"fmt"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/util"
)

// MomentumStrategy enters when price moves up by more than one spacing
// step between two consecutive ticks and exits the full position on a
// symmetric down move.
type MomentumStrategy struct{}

func (s *MomentumStrategy) Name() string { return "momentum" }

func (s *MomentumStrategy) Evaluate(in Input) []OrderIntent {
	cfg := in.Config
	if cfg.GridSpacingPercent <= 0 || in.Price <= 0 || in.PrevPrice <= 0 {
		return nil
	}

	change := util.PercentChange(in.PrevPrice, in.Price)

	if change >= cfg.GridSpacingPercent && in.Position.Quantity == 0 {
		return []OrderIntent{{
			Side:     model.OrderSideBuy,
			Quantity: cfg.OrderSizeQuote / in.Price,
			Price:    in.Price,
			Reason:   fmt.Sprintf("up move %.4f%% over threshold", change),
		}}
	}

	if change <= -cfg.GridSpacingPercent && in.Position.Quantity > 0 {
		return []OrderIntent{{
			Side:     model.OrderSideSell,
			Quantity: in.Position.Quantity,
			Price:    in.Price,
			Reason:   fmt.Sprintf("down move %.4f%% over threshold", change),
		}}
	}

	return nil
}
