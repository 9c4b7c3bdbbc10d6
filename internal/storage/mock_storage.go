package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rhiggins/spx-autotrader/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests. Error
// injection fields let tests exercise failure paths without a broken disk.
type MockStorage struct {
	mu sync.Mutex

	attempts    map[int64]*TradeAttempt
	legs        map[int64][]OptionLeg
	adjustments map[int64][]PriceAdjustment
	positions   map[string]*models.Position
	dailyPnL    map[string]float64
	nextID      int64

	// Error injection
	SaveError   error
	RecordError error
}

// NewMockStorage creates an empty mock.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		attempts:    make(map[int64]*TradeAttempt),
		legs:        make(map[int64][]OptionLeg),
		adjustments: make(map[int64][]PriceAdjustment),
		positions:   make(map[string]*models.Position),
		dailyPnL:    make(map[string]float64),
	}
}

// RecordTradeAttempt implements Interface.
func (m *MockStorage) RecordTradeAttempt(a *TradeAttempt) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordError != nil {
		return 0, m.RecordError
	}
	m.nextID++
	cp := *a
	cp.ID = m.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = AttemptWorking
	}
	m.attempts[cp.ID] = &cp
	return cp.ID, nil
}

// UpdateTradeAttempt implements Interface.
func (m *MockStorage) UpdateTradeAttempt(id int64, status, reason string, finalPrice float64, orderID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrAttemptNotFound, id)
	}
	a.Status = status
	a.Reason = reason
	a.FinalPrice = finalPrice
	a.OrderID = orderID
	if status == AttemptFilled {
		a.FilledAt = time.Now().UTC()
	}
	return nil
}

// RecordOptionLeg implements Interface.
func (m *MockStorage) RecordOptionLeg(attemptID int64, leg *OptionLeg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordError != nil {
		return m.RecordError
	}
	m.legs[attemptID] = append(m.legs[attemptID], *leg)
	return nil
}

// RecordPriceAdjustment implements Interface.
func (m *MockStorage) RecordPriceAdjustment(attemptID int64, oldPrice, newPrice float64, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordError != nil {
		return m.RecordError
	}
	m.adjustments[attemptID] = append(m.adjustments[attemptID], PriceAdjustment{
		AttemptID: attemptID,
		OldPrice:  oldPrice,
		NewPrice:  newPrice,
		Step:      step,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// GetPriceAdjustments implements Interface.
func (m *MockStorage) GetPriceAdjustments(attemptID int64) ([]PriceAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PriceAdjustment(nil), m.adjustments[attemptID]...), nil
}

// GetRecentAttempts implements Interface.
func (m *MockStorage) GetRecentAttempts(limit int) ([]TradeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TradeAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LegsForAttempt returns the recorded legs, for test assertions.
func (m *MockStorage) LegsForAttempt(attemptID int64) []OptionLeg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OptionLeg(nil), m.legs[attemptID]...)
}

// SavePosition implements Interface.
func (m *MockStorage) SavePosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("storage: position must have an ID")
	}
	m.positions[pos.ID] = pos.Copy()
	return nil
}

// GetPositionByID implements Interface.
func (m *MockStorage) GetPositionByID(id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return pos.Copy(), nil
}

// GetOpenPositions implements Interface.
func (m *MockStorage) GetOpenPositions() ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Position
	for _, pos := range m.positions {
		if pos.State != models.StateCompleted {
			out = append(out, pos.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPositionHistory implements Interface.
func (m *MockStorage) GetPositionHistory(limit int) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Position
	for _, pos := range m.positions {
		if pos.State == models.StateCompleted {
			out = append(out, pos.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddDailyPnL implements Interface.
func (m *MockStorage) AddDailyPnL(date string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL[date] += pnl
	return nil
}

// GetDailyPnL implements Interface.
func (m *MockStorage) GetDailyPnL(date string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[date], nil
}

// Close implements Interface.
func (m *MockStorage) Close() error { return nil }
