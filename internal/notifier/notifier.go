// Package notifier sends outbound chat messages through the transport
// adapter behind a shared token-bucket rate limit.
//
// Sends are synchronous and never retried: callers that need at-most-once
// delivery semantics mark their own state after a send attempt regardless of
// its outcome, and a retry here would turn one attempt into many.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "tasknova/internal/transport"
	logx "tasknova/pkg/logx"
)

var ErrClosed = errors.New("notifier closed")

type Config struct {
	// RatePerSec is the sustained outbound message rate (token bucket, burst
	// equals the per-second rate so short spikes don't block).
	RatePerSec int

	// SendTimeout bounds a single send attempt, including the limiter wait.
	SendTimeout time.Duration
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	closed  bool

	adapter kit.Adapter
	log     logx.Logger
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply updates limits at runtime (config hot reload).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Close blocks further sends. In-flight sends are unaffected.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Send delivers one text message to a chat. The attempt is bounded by the
// configured send timeout; the caller's ctx can shorten it further.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	limiter := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := limiter.Wait(sctx); err != nil {
		return err
	}

	started := time.Now()
	err := s.adapter.SendText(sctx, kit.ChatTarget{ChatID: chatID}, text, nil)
	if err != nil {
		s.log.Warn("send failed",
			logx.Int64("chat_id", chatID),
			logx.Duration("took", time.Since(started)),
			logx.Err(err))
		return err
	}
	s.log.Debug("sent", logx.Int64("chat_id", chatID), logx.Duration("took", time.Since(started)))
	return nil
}
