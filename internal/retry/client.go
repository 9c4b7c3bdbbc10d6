// Package retry wraps flaky operations with bounded, jittered retries.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/rhiggins/spx-autotrader/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient failures with multiplicative backoff and jitter.
// Permanent failures, including order rejections, fail immediately.
type Client struct {
	logger *log.Logger
	config Config
}

func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{logger: logger, config: cfg}
}

// Do runs op until it succeeds, fails permanently, or the retry budget runs
// out. desc names the operation in logs.
func (c *Client) Do(ctx context.Context, desc string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s timed out after %v: %w", desc, c.config.Timeout, err)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", desc, err)
		}

		err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("%s succeeded on attempt %d", desc, attempt+1)
			}
			return nil
		}
		lastErr = err
		c.logger.Printf("%s attempt %d/%d failed: %v", desc, attempt+1, c.config.MaxRetries+1, err)

		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Printf("transient error, retrying %s in %v", desc, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", desc, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", desc, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", desc, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	// A rejection is the broker's answer, not a glitch worth retrying.
	if errors.Is(err, broker.ErrOrderRejected) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
