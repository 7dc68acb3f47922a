package delivery

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	tests := []struct {
		name    string
		attempt int
		rnd     float64
		want    time.Duration
	}{
		{"first attempt min jitter", 0, 0.0, 500 * time.Millisecond},
		{"first attempt max jitter", 0, 0.999999, time.Duration(float64(time.Second) * (0.5 + 0.999999*0.5))},
		{"second attempt doubles", 1, 0.0, 1 * time.Second},
		{"third attempt", 2, 0.0, 2 * time.Second},
		{"capped at max", 10, 0.0, 15 * time.Second}, // 2^10s clamps to 30s, then half
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BackoffDelay(tt.attempt, base, max, 2.0, func() float64 { return tt.rnd })
			if got != tt.want {
				t.Errorf("BackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	for i := 0; i < 100; i++ {
		rnd := float64(i) / 100
		d := BackoffDelay(3, base, max, 2.0, func() float64 { return rnd })
		lo, hi := 4*time.Second, 8*time.Second
		if d < lo || d > hi {
			t.Fatalf("delay %v outside [%v, %v] for rnd=%v", d, lo, hi, rnd)
		}
	}
}
