package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{45_000, "45s"},
		{330_000, "5m30s"},
		{5_025_000, "1h23m45s"},
		{500, "0s"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.ms); got != c.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", c.ms, got, c.want)
		}
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, 10_000)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancellation")
	}
}

func TestSleepNonPositive(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) = %v", err)
	}
}

func TestIsNetworkError(t *testing.T) {
	if !IsNetworkError(errors.New("dial tcp: connection refused")) {
		t.Error("connection refused should be a network error")
	}
	if !IsNetworkError(errors.New("read: i/o timeout")) {
		t.Error("i/o timeout should be a network error")
	}
	if IsNetworkError(errors.New("invalid request")) {
		t.Error("invalid request should not be a network error")
	}
	if IsNetworkError(nil) {
		t.Error("nil should not be a network error")
	}
}

func TestGenerateJitterRange(t *testing.T) {
	for range 1000 {
		j := GenerateJitter(10_000)
		if j < -5000 || j >= 5000 {
			t.Fatalf("jitter %d out of range", j)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	if got := MaskEmail("jane@example.com"); got != "j***@example.com" {
		t.Errorf("MaskEmail = %q", got)
	}
	if got := MaskEmail("not-an-email"); got != "***" {
		t.Errorf("MaskEmail = %q", got)
	}
}

func TestClamp(t *testing.T) {
	if Clamp(5, 1, 10) != 5 || Clamp(-1, 1, 10) != 1 || Clamp(20, 1, 10) != 10 {
		t.Error("Clamp misbehaves")
	}
}
