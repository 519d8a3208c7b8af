package transport

import (
	"time"

	"github.com/danmuck/bcnet/internal/protocol/frame"
)

// Backoff shapes the wait between failed dial attempts: Initial after the
// first failure, multiplied by Factor after each further one, capped at Max.
// Jitter spreads each wait over ±Jitter of its value (0 disables it).
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  float64
}

// Config defines stream transport limits and timeouts.
type Config struct {
	TxBufSize       int
	QueueDepth      int
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	// MaxDialAttempts bounds Dial; zero or negative retries until ctx ends.
	MaxDialAttempts int
	Backoff         Backoff
}

func DefaultConfig() Config {
	return Config{
		TxBufSize:       1024,
		QueueDepth:      8,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxDialAttempts: 5,
		Backoff: Backoff{
			Initial: 250 * time.Millisecond,
			Factor:  2,
			Max:     5 * time.Second,
			Jitter:  0.2,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TxBufSize <= 0 {
		c.TxBufSize = def.TxBufSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.TxBufSize}
}
