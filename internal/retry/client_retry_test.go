package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rhiggins/spx-autotrader/internal/broker"
)

// flakyOp fails with errTransient until call successAfterN, then succeeds.
// A non-nil errPermanent always fails.
type flakyOp struct {
	callCount     int32
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *flakyOp) run(context.Context) error {
	n := atomic.AddInt32(&f.callCount, 1)
	if f.errPermanent != nil {
		return f.errPermanent
	}
	if f.successAfterN > 0 && int(n) < f.successAfterN {
		if f.errTransient != nil {
			return f.errTransient
		}
		return errors.New("timeout")
	}
	return nil
}

func makeClient(t *testing.T, cfg Config) (*Client, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	return NewClient(l, cfg), &buf
}

func TestNewClient_ConfigSanitizationAndDefaults(t *testing.T) {
	cfg := Config{
		MaxRetries:     -1,
		InitialBackoff: 0,
		MaxBackoff:     0,
		Timeout:        0,
	}
	c := NewClient(nil, cfg) // nil logger => defaulted internally

	if c.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if c.config.MaxRetries != DefaultConfig.MaxRetries {
		t.Fatalf("MaxRetries sanitized: got %d want %d", c.config.MaxRetries, DefaultConfig.MaxRetries)
	}
	if c.config.InitialBackoff != DefaultConfig.InitialBackoff {
		t.Fatalf("InitialBackoff sanitized: got %v want %v", c.config.InitialBackoff, DefaultConfig.InitialBackoff)
	}
	if c.config.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Fatalf("MaxBackoff sanitized: got %v want %v", c.config.MaxBackoff, DefaultConfig.MaxBackoff)
	}
	if c.config.Timeout != DefaultConfig.Timeout {
		t.Fatalf("Timeout sanitized: got %v want %v", c.config.Timeout, DefaultConfig.Timeout)
	}

	var buf bytes.Buffer
	l := log.New(&buf, "", 0)
	c2 := NewClient(l)
	if c2.logger != l {
		t.Fatalf("expected provided logger to be used")
	}
}

func TestIsTransientError_Patterns(t *testing.T) {
	c, _ := makeClient(t, DefaultConfig)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"server error", errors.New("internal server error"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"504", errors.New("504 Gateway Timeout"), true},
		{"network", errors.New("network unreachable"), true},
		{"dns", errors.New("dns lookup failed"), true},
		{"tcp", errors.New("tcp handshake failed"), true},
		{"rejection", fmt.Errorf("submit combo: %w", broker.ErrOrderRejected), false},
		{"wrapped rejection with tcp text", fmt.Errorf("tcp session: %w", broker.ErrOrderRejected), false},
		{"non-transient", errors.New("validation failed: credit check"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.isTransientError(tc.err)
			if got != tc.want {
				t.Fatalf("isTransientError(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c, _ := makeClient(t, cfg)

	// Case 1: multiply by 1.5 within max, with jitter in [0, backoff/4)
	next := c.calculateNextBackoff(4 * time.Millisecond) // base = 6ms, jitter in [0, 1.5ms)
	if next < 6*time.Millisecond || next >= 8*time.Millisecond {
		t.Fatalf("unexpected next backoff: got %v, expected [6ms,8ms)", next)
	}

	// Case 2: cap to MaxBackoff before jitter, then allow jitter up to MaxBackoff/4
	next2 := c.calculateNextBackoff(8 * time.Millisecond) // base=12ms -> capped at 10ms; jitter in [0, 2.5ms)
	if next2 < 10*time.Millisecond || next2 >= 13*time.Millisecond {
		t.Fatalf("unexpected capped next backoff: got %v, expected [10ms,13ms)", next2)
	}

	// Case 3: zero input stays zero (no jitter)
	if got := c.calculateNextBackoff(0); got != 0 {
		t.Fatalf("zero backoff expected to remain zero, got %v", got)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	op := &flakyOp{}
	cfg := Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
	c, buf := makeClient(t, cfg)

	if err := c.Do(context.Background(), "submit exit order", op.run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&op.callCount) != 1 {
		t.Fatalf("expected 1 call, got %d", op.callCount)
	}
	if strings.Contains(buf.String(), "failed") {
		t.Fatalf("expected no failure logs on first-attempt success, got: %s", buf.String())
	}
}

func TestDo_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	op := &flakyOp{
		successAfterN: 3, // fail twice, succeed third
		errTransient:  errors.New("timeout while closing"),
	}
	cfg := Config{
		MaxRetries:     3, // allows up to 4 attempts total
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
	c, buf := makeClient(t, cfg)

	start := time.Now()
	if err := c.Do(context.Background(), "submit exit order", op.run); err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if atomic.LoadInt32(&op.callCount) != 3 {
		t.Fatalf("expected 3 attempts, got %d", op.callCount)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("expected some backoff elapsed, got %v", elapsed)
	}
	if !strings.Contains(buf.String(), "succeeded on attempt 3") {
		t.Fatalf("expected retry-success log, got: %s", buf.String())
	}
}

func TestDo_FailFastOnNonTransient(t *testing.T) {
	op := &flakyOp{
		errPermanent: errors.New("validation failed: max debit too low"),
	}
	cfg := Config{
		MaxRetries:     5, // even with higher retries, should not retry on permanent errors
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        200 * time.Millisecond,
	}
	c, _ := makeClient(t, cfg)

	err := c.Do(context.Background(), "submit exit order", op.run)
	if err == nil {
		t.Fatalf("expected error on non-transient failure")
	}
	if atomic.LoadInt32(&op.callCount) != 1 {
		t.Fatalf("expected only 1 attempt on non-transient error, got %d", op.callCount)
	}
	if !strings.Contains(err.Error(), "failed after") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDo_FailFastOnRejection(t *testing.T) {
	op := &flakyOp{
		errPermanent: fmt.Errorf("submit combo: %w", broker.ErrOrderRejected),
	}
	cfg := Config{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        200 * time.Millisecond,
	}
	c, _ := makeClient(t, cfg)

	err := c.Do(context.Background(), "submit exit order", op.run)
	if err == nil {
		t.Fatalf("expected error on rejection")
	}
	if !errors.Is(err, broker.ErrOrderRejected) {
		t.Fatalf("expected wrapped rejection, got: %v", err)
	}
	if atomic.LoadInt32(&op.callCount) != 1 {
		t.Fatalf("expected only 1 attempt on rejection, got %d", op.callCount)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	op := &flakyOp{}
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        1 * time.Second,
	}
	c, _ := makeClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before call

	err := c.Do(ctx, "submit exit order", op.run)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if atomic.LoadInt32(&op.callCount) != 0 {
		t.Fatalf("expected 0 calls after early cancellation, got %d", op.callCount)
	}
}

func TestDo_TimeoutDuringBackoff(t *testing.T) {
	// Force transient errors and a short timeout so the backoff wait trips it.
	op := &flakyOp{
		successAfterN: 100,
		errTransient:  errors.New("connection reset"),
	}
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        5 * time.Millisecond, // shorter than backoff
	}
	c, _ := makeClient(t, cfg)

	err := c.Do(context.Background(), "submit exit order", op.run)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout-related error, got: %v", err)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	op := &flakyOp{
		successAfterN: 100,
		errTransient:  errors.New("503 service unavailable"),
	}
	cfg := Config{
		MaxRetries:     2,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        500 * time.Millisecond,
	}
	c, _ := makeClient(t, cfg)

	err := c.Do(context.Background(), "submit exit order", op.run)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&op.callCount) != 3 {
		t.Fatalf("expected 3 attempts, got %d", op.callCount)
	}
	if !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
}
