package connector

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockExchange is an in-memory exchange used by tests and the dry-run
// daemon mode. It acknowledges every order unless a failure is armed.
type MockExchange struct {
	mu     sync.Mutex
	placed []Order
	fail   error
	nack   string
	seq    int
}

var _ Exchange = (*MockExchange)(nil)

// NewMockExchange returns an exchange that accepts everything.
func NewMockExchange() *MockExchange {
	return &MockExchange{}
}

// FailWith makes every subsequent Place return err.
func (m *MockExchange) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// NackWith makes every subsequent Place return a rejected Ack with note.
func (m *MockExchange) NackWith(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nack = note
}

// Place records the order and acknowledges it.
func (m *MockExchange) Place(_ context.Context, order Order) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return Ack{}, m.fail
	}
	if m.nack != "" {
		return Ack{Accepted: false, Note: m.nack}, nil
	}
	m.seq++
	m.placed = append(m.placed, order)
	return Ack{OrderRef: fmt.Sprintf("mock-%d", m.seq), Accepted: true}, nil
}

// Placed returns a snapshot of every accepted order.
func (m *MockExchange) Placed() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, len(m.placed))
	copy(out, m.placed)
	return out
}

// StaticMarketData serves fixed prices per symbol.
type StaticMarketData struct {
	mu     sync.RWMutex
	prices map[string]float64
}

var _ MarketData = (*StaticMarketData)(nil)

// NewStaticMarketData creates a feed seeded with the given prices.
func NewStaticMarketData(prices map[string]float64) *StaticMarketData {
	cp := make(map[string]float64, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticMarketData{prices: cp}
}

// SetPrice updates a symbol's price.
func (s *StaticMarketData) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// CurrentPrice returns the stored price or an error for unknown symbols.
func (s *StaticMarketData) CurrentPrice(_ context.Context, symbol string, _ time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("connector: no price for %q", symbol)
	}
	return p, nil
}
