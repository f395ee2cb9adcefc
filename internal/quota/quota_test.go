package quota_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/posvoice/internal/quota"
)

func TestCheck(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		limits  quota.Limits
		now     time.Time
		used    time.Duration
		wantErr error
	}{
		{"fresh trial", quota.Limits{TrialStart: start}, start.Add(time.Hour), 0, nil},
		{"last trial day", quota.Limits{TrialStart: start}, start.Add(14*24*time.Hour + time.Hour), 0, nil},
		{"trial over", quota.Limits{TrialStart: start}, start.Add(15*24*time.Hour + time.Hour), 0, quota.ErrTrialExpired},
		{"daily used up", quota.Limits{TrialStart: start}, start.Add(time.Hour), 30 * time.Minute, quota.ErrDailyLimit},
		{"almost used up", quota.Limits{TrialStart: start}, start.Add(time.Hour), 29 * time.Minute, nil},
		{"premium ignores limits", quota.Limits{TrialStart: start, Premium: true}, start.Add(400 * 24 * time.Hour), time.Hour, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr := quota.New(tc.limits, quota.WithClock(func() time.Time { return tc.now }))
			tr.Record(tc.used)
			err := tr.Check()
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Check: unexpected error %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("Check: got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRecord_ResetsPerDay(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	tr := quota.New(quota.Limits{}, quota.WithClock(func() time.Time { return now }))
	if !tr.Record(30 * time.Minute) {
		t.Fatal("30 minutes should exhaust the default allowance")
	}
	now = now.Add(2 * time.Hour)
	if err := tr.Check(); err != nil {
		t.Errorf("next day: Check = %v; want nil", err)
	}
	if st := tr.Status(); st.LeftToday != 30*time.Minute {
		t.Errorf("LeftToday = %v", st.LeftToday)
	}
}

func TestMeter_FiresWhenExhausted(t *testing.T) {
	t.Parallel()

	tr := quota.New(quota.Limits{Daily: 30 * time.Millisecond}, quota.WithTick(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fired atomic.Int32
	done := make(chan struct{})
	go func() {
		tr.Meter(ctx, func() bool { return true }, func() {
			if fired.Add(1) == 1 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Meter did not fire")
	}
	if fired.Load() == 0 {
		t.Error("onExhausted never called")
	}
}

func TestMeter_IdleDoesNotCount(t *testing.T) {
	t.Parallel()

	tr := quota.New(quota.Limits{Daily: 20 * time.Millisecond}, quota.WithTick(5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	tr.Meter(ctx, func() bool { return false }, func() { t.Error("should not fire while idle") })
	if st := tr.Status(); st.UsedToday != 0 {
		t.Errorf("UsedToday = %v; want 0", st.UsedToday)
	}
}
