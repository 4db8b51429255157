package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewPacer_DefaultsEvery(t *testing.T) {
	p := NewPacer(time.Second, 0)
	if p.Every != 1 {
		t.Errorf("Every = %d, want 1", p.Every)
	}
}

func TestPacer_ShouldWait(t *testing.T) {
	tests := []struct {
		name     string
		pacer    Pacer
		batchNum int
		want     bool
	}{
		{"zero value never waits", Pacer{}, 5, false},
		{"first batch never waits", NewPacer(time.Second, 1), 0, false},
		{"every batch", NewPacer(time.Second, 1), 1, true},
		{"every third - batch 2", NewPacer(time.Second, 3), 2, false},
		{"every third - batch 3", NewPacer(time.Second, 3), 3, true},
		{"every third - batch 6", NewPacer(time.Second, 3), 6, true},
		{"no delay", NewPacer(0, 1), 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pacer.ShouldWait(tt.batchNum); got != tt.want {
				t.Errorf("ShouldWait(%d) = %v, want %v", tt.batchNum, got, tt.want)
			}
		})
	}
}

func TestPacer_Wait(t *testing.T) {
	p := NewPacer(20*time.Millisecond, 2)

	start := time.Now()
	if err := p.Wait(context.Background(), 1); err != nil {
		t.Fatalf("Wait(1) error = %v", err)
	}
	if time.Since(start) >= 20*time.Millisecond {
		t.Error("Wait(1) should not delay when batch is not a multiple of Every")
	}

	start = time.Now()
	if err := p.Wait(context.Background(), 2); err != nil {
		t.Fatalf("Wait(2) error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Wait(2) returned after %v, want >= 20ms", elapsed)
	}
}

func TestPacer_Wait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPacer(time.Hour, 1)
	if err := p.Wait(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
