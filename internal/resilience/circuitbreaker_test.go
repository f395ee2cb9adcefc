package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail() error { return errTest }
func ok() error   { return nil }

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.cfg.MaxFailures != 3 {
		t.Errorf("MaxFailures = %d, want 3", b.cfg.MaxFailures)
	}
	if b.cfg.Cooldown != 30*time.Second {
		t.Errorf("Cooldown = %v, want 30s", b.cfg.Cooldown)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{MaxFailures: 2, Cooldown: time.Minute, Now: clock.Now})

	if err := b.Do(fail); !errors.Is(err, errTest) {
		t.Fatalf("first call err = %v, want errTest", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 1 failure = %v, want closed", b.State())
	}
	_ = b.Do(fail)
	if b.State() != StateOpen {
		t.Fatalf("state after 2 failures = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while breaker was open")
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{MaxFailures: 2})
	_ = b.Do(fail)
	_ = b.Do(ok)
	_ = b.Do(fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Probe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{name: "success closes", probe: ok, want: StateClosed},
		{name: "failure reopens", probe: fail, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clock := newFakeClock()
			b := NewBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Minute, Now: clock.Now})
			_ = b.Do(fail)

			clock.Advance(time.Minute)
			if got := b.State(); got != StateHalfOpen {
				t.Fatalf("state after cooldown = %v, want half-open", got)
			}
			_ = b.Do(tt.probe)
			if got := b.State(); got != tt.want {
				t.Fatalf("state after probe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Second, Now: clock.Now})
	_ = b.Do(fail)
	clock.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	if err := b.Do(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call during probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	var transitions []string
	b := NewBreaker(BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Second,
		Now:         clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	_ = b.Do(fail)
	clock.Advance(time.Second)
	_ = b.Do(ok)
	_ = b.Do(fail)
	b.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed", "closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
