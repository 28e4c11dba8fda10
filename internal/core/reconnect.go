package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/polychat/chat-client/internal/config"
	"github.com/polychat/chat-client/internal/metrics"
	"github.com/polychat/chat-client/internal/ws"
)

// newBackoff maps the reconnect policy onto an exponential backoff that
// yields MaxAttempts delays and then backoff.Stop. Delays are not jittered
// and the policy has no elapsed-time cap.
func newBackoff(ctx context.Context, cfg config.ReconnectConfig) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var attempts uint64
	if cfg.MaxAttempts > 0 {
		attempts = uint64(cfg.MaxAttempts)
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, attempts), ctx)
}

// scheduleReconnect starts the reconnect loop unless one is already running,
// the session is stopped, or reconnecting is disabled.
func (s *Session) scheduleReconnect(reason string) {
	s.mu.Lock()
	if !s.running || s.reconnecting || s.cfg.Reconnect.MaxAttempts == 0 {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	log.Info().Msgf("[core] scheduling reconnect: %s", reason)
	go s.reconnectLoop(ctx)
}

// reconnectLoop waits out each backoff delay before an attempt, so the
// first attempt happens InitialDelay after the drop.
func (s *Session) reconnectLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	limit := s.cfg.Reconnect.MaxAttempts
	b := newBackoff(ctx, s.cfg.Reconnect)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastErr error
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		log.Info().Msgf("[core] reconnect attempt %d/%d in %s", attempt, limit, delay)

		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.conn.State() == ws.StateOpen {
			return
		}
		token := s.store.Token()
		if token == "" {
			log.Info().Msg("[core] reconnect abandoned: no identity")
			return
		}

		err := s.conn.Connect(ctx, token)
		if err == nil {
			metrics.ReconnectAttempts.WithLabelValues("success").Inc()
			log.Info().Msgf("[core] reconnected after %d attempt(s)", attempt)
			s.refreshAsync("reconnected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if tokenRejected(err) {
			metrics.ReconnectAttempts.WithLabelValues("rejected").Inc()
			s.expire(err)
			return
		}
		metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Msgf("[core] reconnect attempt %d/%d failed", attempt, limit)
		lastErr = err
	}
	if ctx.Err() != nil {
		return
	}

	metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
	err := fmt.Errorf("core: reconnect gave up after %d attempts: %w", limit, lastErr)
	log.Error().Err(lastErr).Msgf("[core] reconnect gave up after %d attempts", limit)
	s.each(func(l Listener) { l.ReconnectFailed(err) })
}
