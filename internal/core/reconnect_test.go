package core

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/polychat/chat-client/internal/config"
)

func TestBackoffGrowsCapsAndStops(t *testing.T) {
	b := newBackoff(context.Background(), config.ReconnectConfig{
		MaxAttempts:  6,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("delay after %d attempts = %v, want Stop", len(want), got)
	}
}

func TestBackoffMultiplierBelowOne(t *testing.T) {
	b := newBackoff(context.Background(), config.ReconnectConfig{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   0,
	})
	for i := 0; i < 3; i++ {
		if got := b.NextBackOff(); got != 50*time.Millisecond {
			t.Fatalf("delay %d = %v, want constant 50ms", i, got)
		}
	}
}

func TestBackoffStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newBackoff(ctx, config.ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	cancel()
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Errorf("delay after cancel = %v, want Stop", got)
	}
}
