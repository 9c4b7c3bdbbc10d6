package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rhiggins/spx-autotrader/internal/chain"
)

// CircuitBreakerConnector wraps a Connector so that a flapping broker feed
// stops being hammered. Order cancellation deliberately bypasses the
// breaker: when things are on fire, cancelling a working order must still
// go through.
type CircuitBreakerConnector struct {
	inner   Connector
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures trip behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Requests allowed when half-open
	Interval     time.Duration // Count reset interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerConnector wraps a connector with sensible defaults.
func NewCircuitBreakerConnector(inner Connector) *CircuitBreakerConnector {
	return NewCircuitBreakerConnectorWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerConnectorWithSettings wraps a connector with custom settings.
func NewCircuitBreakerConnectorWithSettings(inner Connector, settings CircuitBreakerSettings) *CircuitBreakerConnector {
	gbSettings := gobreaker.Settings{
		Name:        "ConnectorCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// A rejection is the broker answering, not the feed failing.
			return err == nil || errors.Is(err, ErrOrderRejected)
		},
	}

	return &CircuitBreakerConnector{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for the wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	inner Connector,
	fn func(Connector) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(inner) })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Connect wraps the underlying connector call with the circuit breaker.
func (c *CircuitBreakerConnector) Connect(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.inner, func(conn Connector) (struct{}, error) {
		return struct{}{}, conn.Connect(ctx)
	})
	return err
}

// Disconnect passes through to the underlying connector.
func (c *CircuitBreakerConnector) Disconnect() {
	c.inner.Disconnect()
}

// IsConnected passes through to the underlying connector.
func (c *CircuitBreakerConnector) IsConnected() bool {
	return c.inner.IsConnected()
}

// GetOptionChain wraps the underlying connector call with the circuit breaker.
func (c *CircuitBreakerConnector) GetOptionChain(ctx context.Context, symbol string, expiry time.Time) (*chain.Snapshot, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(conn Connector) (*chain.Snapshot, error) {
		return conn.GetOptionChain(ctx, symbol, expiry)
	})
}

// GetQuote wraps the underlying connector call with the circuit breaker.
func (c *CircuitBreakerConnector) GetQuote(ctx context.Context, contract Contract) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(conn Connector) (*Quote, error) {
		return conn.GetQuote(ctx, contract)
	})
}

// GetUnderlyingPrice wraps the underlying connector call with the circuit breaker.
func (c *CircuitBreakerConnector) GetUnderlyingPrice(ctx context.Context, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(conn Connector) (float64, error) {
		return conn.GetUnderlyingPrice(ctx, symbol)
	})
}

// SubmitComboOrder wraps the underlying connector call with the circuit breaker.
func (c *CircuitBreakerConnector) SubmitComboOrder(ctx context.Context, legs []ComboLeg, netLimit float64, quantity int, tag string) (int, error) {
	return execCircuitBreaker(c.breaker, c.inner, func(conn Connector) (int, error) {
		return conn.SubmitComboOrder(ctx, legs, netLimit, quantity, tag)
	})
}

// CancelOrder bypasses the breaker.
func (c *CircuitBreakerConnector) CancelOrder(ctx context.Context, orderID int) error {
	return c.inner.CancelOrder(ctx, orderID)
}

// Events passes through to the underlying connector's stream.
func (c *CircuitBreakerConnector) Events() <-chan OrderEvent {
	return c.inner.Events()
}

// Ensure CircuitBreakerConnector implements the Connector interface.
var _ Connector = (*CircuitBreakerConnector)(nil)
