// Package connector defines the contracts for the out-of-process
// collaborators the pipeline talks to: the exchange that receives accepted
// orders and the market-data feed used for staleness context.
//
// The pipeline never retries through these interfaces; a failed placement
// surfaces as a NACK and requires a new decision upstream.
package connector

import (
	"context"
	"time"
)

// Order is the externally-visible action handed to the exchange. It is
// produced only by the execution arbiter; nothing else constructs one.
type Order struct {
	IntentID string    `json:"intent_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"` // BUY or SELL
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price,omitempty"` // zero means market
	PlacedAt time.Time `json:"placed_at"`
}

// Ack is the exchange's synchronous placement response. The eventual fill
// or cancel arrives asynchronously through the outcome path.
type Ack struct {
	OrderRef string `json:"order_ref"`
	Accepted bool   `json:"accepted"`
	Note     string `json:"note,omitempty"`
}

// Exchange places orders. Implementations own their wire protocol.
type Exchange interface {
	Place(ctx context.Context, order Order) (Ack, error)
}

// MarketData supplies prices for staleness and sanity context only; no
// trading logic reads it.
type MarketData interface {
	CurrentPrice(ctx context.Context, symbol string, at time.Time) (float64, error)
}
