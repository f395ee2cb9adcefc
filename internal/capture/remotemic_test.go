package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/posvoice/pkg/audio"
)

func pcmLevel(level int16, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = level
		} else {
			s[i] = -level
		}
	}
	return audio.EncodePCM16(s)
}

// startMic serves a fake LAN microphone that writes each message from msgs
// to the first client.
func startMic(t *testing.T, msgs <-chan []byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					c.Close(websocket.StatusNormalClosure, "")
					return
				}
				if err := c.Write(r.Context(), websocket.MessageBinary, m); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRemoteURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"192.168.1.5", "ws://192.168.1.5:81"},
		{"http://192.168.1.5", "ws://192.168.1.5:81"},
		{"https://mic.local/", "ws://mic.local:81"},
		{"mic.local:9000", "ws://mic.local:9000"},
		{"ws://10.0.0.2:81", "ws://10.0.0.2:81"},
		{" 10.0.0.3 ", "ws://10.0.0.3:81"},
	}
	for _, tc := range tests {
		if got := RemoteURL(tc.in); got != tc.want {
			t.Errorf("RemoteURL(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestRemoteMic_GatesByEnergy(t *testing.T) {
	t.Parallel()

	msgs := make(chan []byte, 8)
	url := startMic(t, msgs)

	quiet := make(chan struct{}, 1)
	r := NewRemoteMic(url,
		WithRemoteDebounce(50*time.Millisecond),
		WithRemoteHooks(Hooks{OnQuiet: func() { quiet <- struct{}{} }}),
	)
	t.Cleanup(func() { r.Close() })

	frames, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	msgs <- pcmLevel(200, 512)  // below the gate
	msgs <- pcmLevel(4000, 512) // voiced

	f := recv(t, frames)
	if f.SampleRate != audio.CaptureRate || f.Samples() != 512 || f.Seq != 1 {
		t.Errorf("frame = %+v", f)
	}
	select {
	case <-quiet:
	case <-time.After(2 * time.Second):
		t.Fatal("OnQuiet never fired")
	}
	if !r.Connected() {
		t.Error("Connected = false while socket open")
	}
}

func TestRemoteMic_Muted(t *testing.T) {
	t.Parallel()

	msgs := make(chan []byte, 8)
	r := NewRemoteMic(startMic(t, msgs))
	t.Cleanup(func() { r.Close() })
	frames, _ := r.Start(context.Background())

	r.SetMuted(true)
	msgs <- pcmLevel(4000, 512)
	select {
	case <-frames:
		t.Fatal("muted remote mic emitted a frame")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRemoteMic_OfflineIsNotFatal(t *testing.T) {
	t.Parallel()

	// Nothing listens on this server once it is closed.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	r := NewRemoteMic(url, WithRedial(10*time.Millisecond))
	frames, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start should not fail while offline: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if r.Connected() {
		t.Error("Connected = true with no server")
	}

	r.Close()
	if _, ok := <-frames; ok {
		t.Error("frame channel should be closed")
	}
	if _, err := r.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("restart err = %v; want ErrAlreadyStarted", err)
	}
}
