package strategy

import (
	"fmt"

	"tradeloop/engine/internal/model"
)

// MeanReversionStrategy buys when price deviates below the reference
// band and exits the full position when it deviates above. Entries and
// exits are gated on current position size, so the policy stays pure.
type MeanReversionStrategy struct{}

func (s *MeanReversionStrategy) Name() string { return "mean_reversion" }

func (s *MeanReversionStrategy) Evaluate(in Input) []OrderIntent {
	cfg := in.Config
	if cfg.ReferencePrice <= 0 || cfg.GridSpacingPercent <= 0 || in.Price <= 0 {
		return nil
	}

	band := cfg.GridSpacingPercent / 100
	lower := cfg.ReferencePrice * (1 - band)
	upper := cfg.ReferencePrice * (1 + band)

	if in.Price <= lower && in.Position.Quantity == 0 {
		return []OrderIntent{{
			Side:     model.OrderSideBuy,
			Quantity: cfg.OrderSizeQuote / in.Price,
			Price:    in.Price,
			Reason:   fmt.Sprintf("price %.8g below band %.8g", in.Price, lower),
		}}
	}

	if in.Price >= upper && in.Position.Quantity > 0 {
		return []OrderIntent{{
			Side:     model.OrderSideSell,
			Quantity: in.Position.Quantity,
			Price:    in.Price,
			Reason:   fmt.Sprintf("price %.8g above band %.8g", in.Price, upper),
		}}
	}

	return nil
}
