package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/posvoice/pkg/provider/s2s"
	"github.com/MrWong99/posvoice/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// skipSetup consumes the client's setup message and acknowledges it.
func skipSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, ch s2s.Channel) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Setup ──────────────────────────────────────────────────────────────────────

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	if got := gemini.New("k").Model(); got != gemini.DefaultModel {
		t.Errorf("Model() = %q; want %q", got, gemini.DefaultModel)
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	got := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := gemini.New("secret key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("m1")).
		Connect(context.Background(), s2s.Config{
			Voice:         "Kore",
			Instructions:  "You are a shop assistant.",
			Transcription: true,
			Tools:         []s2s.ToolDeclaration{{Name: "checkStock"}, {Name: "createInvoice"}},
		})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	if key := <-keyCh; key != "secret key" {
		t.Errorf("api key = %q; want %q", key, "secret key")
	}

	select {
	case msg := <-got:
		s := msg.Setup
		if s.Model != "models/m1" {
			t.Errorf("model = %q", s.Model)
		}
		if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
			t.Errorf("responseModalities = %v", s.GenerationConfig.ResponseModalities)
		}
		if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
			t.Errorf("voice = %q", v)
		}
		if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "You are a shop assistant." {
			t.Errorf("systemInstruction = %+v", s.SystemInstruction)
		}
		if len(s.Tools) != 1 || len(s.Tools[0].FunctionDeclarations) != 2 {
			t.Errorf("tools = %+v", s.Tools)
		}
		if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
			t.Error("transcription not enabled in setup")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.Config{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	type audioMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan audioMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		var msg audioMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := ch.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("chunks = %d; want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("data = %q", chunks[0].Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestSendText_RealtimeText(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		var msg struct {
			RealtimeInput struct {
				Text string `json:"text"`
			} `json:"realtimeInput"`
		}
		readJSON(t, conn, &msg)
		got <- msg.RealtimeInput.Text
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	if err := ch.SendText("(System: hello)"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case text := <-got:
		if text != "(System: hello)" {
			t.Errorf("text = %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text")
	}
}

func TestSendToolResponse_WrapsResult(t *testing.T) {
	t.Parallel()

	type respMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}
	got := make(chan respMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		var msg respMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	err = ch.SendToolResponse(
		s2s.ToolResponse{ID: "c1", Name: "checkStock", Result: map[string]any{"quantity": 15}},
		s2s.ToolResponse{ID: "c2", Name: "broken", Result: func() {}},
	)
	if err != nil {
		t.Fatalf("SendToolResponse: %v", err)
	}

	select {
	case msg := <-got:
		frs := msg.ToolResponse.FunctionResponses
		if len(frs) != 2 {
			t.Fatalf("functionResponses = %d; want 2", len(frs))
		}
		if frs[0].ID != "c1" || frs[0].Name != "checkStock" {
			t.Errorf("first response = %+v", frs[0])
		}
		res, ok := frs[0].Response["result"].(map[string]any)
		if !ok || res["quantity"] != float64(15) {
			t.Errorf("first result = %v", frs[0].Response)
		}
		if frs[1].ID != "c2" {
			t.Errorf("second id = %q", frs[1].ID)
		}
		if _, ok := frs[1].Response["result"].(map[string]any)["error"]; !ok {
			t.Errorf("unserializable result not replaced: %v", frs[1].Response)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}

func TestSend_AfterClose_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = ch.Close()

	if err := ch.SendAudio([]byte{0, 0}); !errors.Is(err, s2s.ErrClosed) {
		t.Errorf("SendAudio after close: %v", err)
	}
	if err := ch.SendText("x"); !errors.Is(err, s2s.ErrClosed) {
		t.Errorf("SendText after close: %v", err)
	}
	if err := ch.SendToolResponse(s2s.ToolResponse{ID: "1"}); !errors.Is(err, s2s.ErrClosed) {
		t.Errorf("SendToolResponse after close: %v", err)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_PreserveArrivalOrder(t *testing.T) {
	t.Parallel()

	pcm1 := []byte{1, 0, 2, 0}
	pcm2 := []byte{3, 0, 4, 0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "two airpods"},
		}})
		writeJSON(t, conn, map[string]any{"toolCall": map[string]any{
			"functionCalls": []map[string]any{
				{"id": "a", "name": "checkStock", "args": map[string]any{"productName": "AirPods"}},
				{"id": "b", "name": "lookupCustomer"},
			},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []map[string]any{
				{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm1)}},
				{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm2)}},
			}},
			"outputTranscription": map[string]any{"text": "We have 15."},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	ev := nextEvent(t, ch)
	if ev.Kind != s2s.EventInputTranscript || ev.Text != "two airpods" {
		t.Errorf("event 1 = %+v", ev)
	}

	ev = nextEvent(t, ch)
	if ev.Kind != s2s.EventToolCall || len(ev.ToolCalls) != 2 {
		t.Fatalf("event 2 = %+v", ev)
	}
	if ev.ToolCalls[0].ID != "a" || ev.ToolCalls[1].Name != "lookupCustomer" {
		t.Errorf("tool calls out of order: %+v", ev.ToolCalls)
	}
	var args map[string]string
	if err := json.Unmarshal(ev.ToolCalls[0].Args, &args); err != nil || args["productName"] != "AirPods" {
		t.Errorf("args = %s (%v)", ev.ToolCalls[0].Args, err)
	}
	if string(ev.ToolCalls[1].Args) != "{}" {
		t.Errorf("missing args should default to {}, got %s", ev.ToolCalls[1].Args)
	}

	a1 := nextEvent(t, ch)
	a2 := nextEvent(t, ch)
	if a1.Kind != s2s.EventAudio || a2.Kind != s2s.EventAudio {
		t.Fatalf("expected two audio events, got %v, %v", a1.Kind, a2.Kind)
	}
	if string(a1.Audio) != string(pcm1) || string(a2.Audio) != string(pcm2) {
		t.Error("audio payload mismatch")
	}
	if a2.Seq <= a1.Seq {
		t.Errorf("seq not increasing: %d then %d", a1.Seq, a2.Seq)
	}

	wantKinds := []s2s.EventKind{s2s.EventOutputTranscript, s2s.EventInterrupted, s2s.EventTurnComplete}
	for i, want := range wantKinds {
		if ev := nextEvent(t, ch); ev.Kind != want {
			t.Errorf("tail event %d = %v; want %v", i, ev.Kind, want)
		}
	}
}

func TestEvents_ServerErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})
	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	ev := nextEvent(t, ch)
	if ev.Kind != s2s.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("event = %+v", ev)
	}
}

func TestEvents_RemoteCloseSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		conn.Close(websocket.StatusGoingAway, "bye")
	})
	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	for range ch.Events() {
	}
	if ch.Err() == nil {
		t.Error("Err() = nil after remote close; want non-nil")
	}
}

func TestClose_IdempotentAndClean(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, ok := <-ch.Events():
		if ok {
			// Drain whatever was buffered; the channel must close afterwards.
			for range ch.Events() {
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
	if err := ch.Err(); err != nil {
		t.Errorf("Err() after local Close = %v; want nil", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	ch, err := newProvider(srv).Connect(context.Background(), s2s.Config{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_ = ch.SendAudio(make([]byte, 320))
			}
		}()
	}
	wg.Wait()
}
