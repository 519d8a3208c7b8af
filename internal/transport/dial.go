package transport

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Dial connects to addr, retrying on cfg.Backoff until cfg.MaxDialAttempts
// attempts have failed or ctx ends, and wraps the stream in a Conn.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}

	for failures := 0; ; {
		nc, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug().Msgf("transport.Dial connected attempt=%d addr=%q", failures+1, addr)
			return NewConn(nc, cfg), nil
		}
		failures++
		wait, ok := cfg.dialDelay(failures, rng)
		if !ok {
			log.Warn().Msgf("transport.Dial giving up attempts=%d addr=%q err=%v", failures, addr, err)
			return nil, err
		}
		log.Warn().Msgf("transport.Dial attempt=%d addr=%q retry_in=%v err=%v", failures, addr, wait, err)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// dialDelay returns the wait after the given number of failed dials, or false
// once MaxDialAttempts failures have been seen.
func (c Config) dialDelay(failures int, rng *rand.Rand) (time.Duration, bool) {
	if failures < 1 {
		return 0, true
	}
	if c.MaxDialAttempts > 0 && failures >= c.MaxDialAttempts {
		return 0, false
	}
	b := c.Backoff
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Initial)
	for i := 1; i < failures; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			break
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 && rng != nil {
		d += d * b.Jitter * (2*rng.Float64() - 1)
	}
	return time.Duration(d), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
