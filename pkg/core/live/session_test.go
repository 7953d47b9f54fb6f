package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chravel/chravel-live/pkg/audio"
	"github.com/chravel/chravel-live/pkg/core"
	"github.com/chravel/chravel-live/pkg/token"
	"github.com/chravel/chravel-live/pkg/transport"
)

// liveServer is a scriptable fake of the voice relay.
type liveServer struct {
	server *httptest.Server
	URL    string

	mu       sync.Mutex
	upgrades int
	queries  []url.Values
}

func newLiveTestServer(t *testing.T, handler func(conn *websocket.Conn)) *liveServer {
	t.Helper()

	ls := &liveServer{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	ls.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ls.mu.Lock()
		ls.upgrades++
		ls.queries = append(ls.queries, r.URL.Query())
		ls.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	ls.URL = "ws" + strings.TrimPrefix(ls.server.URL, "http")
	t.Cleanup(ls.server.Close)
	return ls
}

func (ls *liveServer) Upgrades() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.upgrades
}

func (ls *liveServer) Query(i int) url.Values {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if i >= len(ls.queries) {
		return url.Values{}
	}
	return ls.queries[i]
}

func ackSetup(conn *websocket.Conn) {
	_ = conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
}

// collectClientFrames reads client frames into a channel until the
// connection drops, at which point done is closed.
func collectClientFrames(conn *websocket.Conn) (frames <-chan map[string]any, done <-chan struct{}) {
	ch := make(chan map[string]any, 64)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			select {
			case ch <- m:
			default:
			}
		}
	}()
	return ch, closed
}

func waitForClientFrame(t *testing.T, frames <-chan map[string]any, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-frames:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for client frame")
			return nil
		}
	}
}

func hasKey(key string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		_, ok := m[key]
		return ok
	}
}

func hasRealtimeKey(key string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		ri, ok := m["realtimeInput"].(map[string]any)
		if !ok {
			return false
		}
		_, ok = ri[key]
		return ok
	}
}

// fakeMic implements audio.Source with pushable frames.
type fakeMic struct {
	rate     int
	startErr error

	mu      sync.Mutex
	fn      func([]float32)
	started bool
	stops   int
}

func newFakeMic(rate int) *fakeMic {
	return &fakeMic{rate: rate}
}

func (m *fakeMic) Start(fn func(samples []float32)) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.fn = fn
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	m.fn = nil
	m.stops++
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) SampleRate() int { return m.rate }

// push delivers one frame of constant level.
func (m *fakeMic) push(level float32, frames int) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return
	}
	samples := make([]float32, frames)
	for i := range samples {
		samples[i] = level
	}
	fn(samples)
}

type fakeIssuer struct {
	grant *token.Grant
	err   error
}

func (f *fakeIssuer) Issue(ctx context.Context, req token.Request) (*token.Grant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

// captureSink records playback writes and flushes.
type captureSink struct {
	mu      sync.Mutex
	written int
	flushes int
}

func (s *captureSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.written += len(p)
	s.mu.Unlock()
	return len(p), nil
}

func (s *captureSink) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *captureSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func newTestSession(t *testing.T, wsURL string, grant *token.Grant) (*Session, *fakeMic, *captureSink) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TripID = "trip-1"
	cfg.Endpoint = wsURL
	cfg.StartTimeout = 2 * time.Second
	cfg.SetupTimeout = 2 * time.Second
	cfg.Breaker = transport.NewBreaker(3, time.Minute)

	mic := newFakeMic(48000)
	sink := &captureSink{}
	s := NewSession(cfg, &fakeIssuer{grant: grant}, mic, sink)
	t.Cleanup(func() { _ = s.End() })
	return s, mic, sink
}

func waitForState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, s.State())
}

func drainUntilClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSession_StartIsIdempotent(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	if got := ls.Upgrades(); got != 1 {
		t.Errorf("expected 1 websocket, got %d", got)
	}
	if s.State() != StateListening {
		t.Errorf("expected listening, got %s", s.State())
	}
}

func TestSession_StateTrace(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})

	var mu sync.Mutex
	var trace []SessionState
	var firstFrom SessionState
	s.SetHandlers(Handlers{
		OnStateChange: func(from, to SessionState) {
			mu.Lock()
			if len(trace) == 0 {
				firstFrom = from
			}
			trace = append(trace, to)
			mu.Unlock()
		},
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	expected := []SessionState{StateRequestingMic, StateReady, StateListening}
	if len(trace) != len(expected) {
		t.Fatalf("expected %d transitions, got %v", len(expected), trace)
	}
	if firstFrom != StateIdle {
		t.Errorf("expected first transition from idle, got %s", firstFrom)
	}
	for i, want := range expected {
		if trace[i] != want {
			t.Errorf("transition %d: expected %s, got %s", i, want, trace[i])
		}
	}
}

func TestSession_EphemeralTokenSkipsSetup(t *testing.T) {
	framesCh := make(chan (<-chan map[string]any), 1)
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		frames, done := collectClientFrames(conn)
		framesCh <- frames
		ackSetup(conn)
		<-done
	})

	s, mic, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "ephemeral-tok"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	q := ls.Query(0)
	if q.Get("access_token") != "ephemeral-tok" {
		t.Errorf("expected access_token param, got %q", q.Get("access_token"))
	}
	if q.Get("key") != "" {
		t.Errorf("expected no key param, got %q", q.Get("key"))
	}

	// The first client frame must be audio, never a setup frame.
	mic.push(0.01, 480)
	frames := <-framesCh
	first := waitForClientFrame(t, frames, func(m map[string]any) bool { return true })
	if _, ok := first["setup"]; ok {
		t.Error("expected no setup frame with an ephemeral token")
	}
	if _, ok := first["realtimeInput"]; !ok {
		t.Errorf("expected realtimeInput frame first, got %v", first)
	}
}

func TestSession_RawKeySendsSetup(t *testing.T) {
	setupCh := make(chan map[string]any, 1)
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		setupCh <- m
		ackSetup(conn)
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{APIKey: "raw-key", Voice: "Puck"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	q := ls.Query(0)
	if q.Get("key") != "raw-key" {
		t.Errorf("expected key param, got %q", q.Get("key"))
	}
	if q.Get("access_token") != "" {
		t.Errorf("expected no access_token param, got %q", q.Get("access_token"))
	}

	select {
	case m := <-setupCh:
		setup, ok := m["setup"].(map[string]any)
		if !ok {
			t.Fatalf("expected setup frame first, got %v", m)
		}
		if model, _ := setup["model"].(string); model == "" {
			t.Error("expected setup to carry a model")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for setup frame")
	}
}

func TestSession_AudioFlowsToServer(t *testing.T) {
	framesCh := make(chan (<-chan map[string]any), 1)
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		frames, done := collectClientFrames(conn)
		framesCh <- frames
		ackSetup(conn)
		<-done
	})

	s, mic, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	mic.push(0.01, 480)
	frames := <-framesCh
	frame := waitForClientFrame(t, frames, hasRealtimeKey("mediaChunks"))

	ri := frame["realtimeInput"].(map[string]any)
	chunks := ri["mediaChunks"].([]any)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 media chunk, got %d", len(chunks))
	}
	chunk := chunks[0].(map[string]any)
	if chunk["mimeType"] != "audio/pcm;rate=16000" {
		t.Errorf("expected 16kHz pcm mime type, got %v", chunk["mimeType"])
	}
	if chunk["data"] == "" {
		t.Error("expected base64 audio data")
	}
	if s.State() != StateSending {
		t.Errorf("expected sending after forwarding audio, got %s", s.State())
	}
}

func TestSession_TurnDeliveredOnce(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "where are we staying"},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "The Airbnb in Lisbon."},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"turnComplete": true,
		}})
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case turn := <-turns:
		if turn.User != "where are we staying" {
			t.Errorf("unexpected user transcript %q", turn.User)
		}
		if turn.Assistant != "The Airbnb in Lisbon." {
			t.Errorf("unexpected assistant transcript %q", turn.Assistant)
		}
		if turn.Reason != TurnReasonComplete {
			t.Errorf("expected reason %s, got %s", TurnReasonComplete, turn.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn")
	}

	// Ending the session must not replay the already-delivered turn.
	_ = s.End()
	select {
	case turn := <-turns:
		t.Errorf("expected no second turn, got %+v", turn)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_EndFlushesPendingTurn(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "book the museum tickets"},
		}})
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Wait for the transcript to arrive before ending.
	waitForTranscript := time.After(2 * time.Second)
	for waiting := true; waiting; {
		select {
		case ev := <-s.Events():
			if _, ok := ev.(*UserTranscriptEvent); ok {
				waiting = false
			}
		case <-waitForTranscript:
			t.Fatal("timed out waiting for transcript")
		}
	}

	_ = s.End()
	select {
	case turn := <-turns:
		if turn.User != "book the museum tickets" {
			t.Errorf("unexpected user transcript %q", turn.User)
		}
		if turn.Reason != TurnReasonSessionEnd {
			t.Errorf("expected reason %s, got %s", TurnReasonSessionEnd, turn.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed turn")
	}
}

func TestSession_BargeInFlushesPlayback(t *testing.T) {
	pcm := audio.Float32ToPCM16(make([]float32, 4800))
	encoded := audio.EncodeChunk(pcm)

	framesCh := make(chan (<-chan map[string]any), 1)
	interruptAck := make(chan struct{})
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		frames, done := collectClientFrames(conn)
		framesCh <- frames
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Let me check the itinerary"},
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     encoded,
				}}},
			},
		}})
		select {
		case <-interruptAck:
			_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		case <-done:
			return
		}
		<-done
	})

	s, mic, sink := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForState(t, s, StatePlaying)

	// Loud mic frame while the model is speaking.
	mic.push(0.5, 480)

	select {
	case turn := <-turns:
		if turn.Reason != TurnReasonInterrupted {
			t.Errorf("expected reason %s, got %s", TurnReasonInterrupted, turn.Reason)
		}
		if turn.Assistant != "Let me check the itinerary" {
			t.Errorf("unexpected assistant transcript %q", turn.Assistant)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupted turn")
	}

	if sink.flushCount() == 0 {
		t.Error("expected playback flush on barge-in")
	}
	waitForState(t, s, StateListening)

	// The server is told the user started speaking.
	frames := <-framesCh
	waitForClientFrame(t, frames, hasRealtimeKey("activityStart"))

	// The server's own interrupted confirmation must not deliver the turn
	// again.
	close(interruptAck)
	select {
	case turn := <-turns:
		t.Errorf("expected no second turn, got %+v", turn)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_ServerInterruptFlushesPlayback(t *testing.T) {
	pcm := audio.Float32ToPCM16(make([]float32, 4800))
	encoded := audio.EncodeChunk(pcm)

	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "There are three options"},
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     encoded,
				}}},
			},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		drainUntilClose(conn)
	})

	s, _, sink := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case turn := <-turns:
		if turn.Reason != TurnReasonInterrupted {
			t.Errorf("expected reason %s, got %s", TurnReasonInterrupted, turn.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interrupted turn")
	}

	if sink.flushCount() == 0 {
		t.Error("expected playback flush on server interruption")
	}
	waitForState(t, s, StateListening)
}

func TestSession_TurnCompleteKeepsPlayback(t *testing.T) {
	pcm := audio.Float32ToPCM16(make([]float32, 4800))
	encoded := audio.EncodeChunk(pcm)

	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "Done."},
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     encoded,
				}}},
			},
		}})
		_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		drainUntilClose(conn)
	})

	s, _, sink := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case turn := <-turns:
		if turn.Reason != TurnReasonComplete {
			t.Errorf("expected reason %s, got %s", TurnReasonComplete, turn.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn")
	}

	// Completed turns let queued audio play out.
	if got := sink.flushCount(); got != 0 {
		t.Errorf("expected no playback flush on turn completion, got %d", got)
	}
}

func TestSession_CloseCodeMapping(t *testing.T) {
	tests := []struct {
		name          string
		closeCode     int
		expectedState SessionState
		expectError   bool
	}{
		{
			name:          "normal closure",
			closeCode:     websocket.CloseNormalClosure,
			expectedState: StateIdle,
			expectError:   false,
		},
		{
			name:          "internal error",
			closeCode:     websocket.CloseInternalServerErr,
			expectedState: StateError,
			expectError:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ls := newLiveTestServer(t, func(conn *websocket.Conn) {
				ackSetup(conn)
				time.Sleep(50 * time.Millisecond)
				deadline := time.Now().Add(time.Second)
				msg := websocket.FormatCloseMessage(tt.closeCode, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				drainUntilClose(conn)
			})

			s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
			var mu sync.Mutex
			var sessionErr *core.Error
			s.SetHandlers(Handlers{OnError: func(err *core.Error) {
				mu.Lock()
				sessionErr = err
				mu.Unlock()
			}})

			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("start failed: %v", err)
			}

			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for session shutdown")
			}

			if s.State() != tt.expectedState {
				t.Errorf("expected state %s, got %s", tt.expectedState, s.State())
			}

			mu.Lock()
			defer mu.Unlock()
			if tt.expectError {
				if sessionErr == nil {
					t.Fatal("expected an error")
				}
				if sessionErr.Type != core.ErrTransport {
					t.Errorf("expected transport error, got %s", sessionErr.Type)
				}
				if sessionErr.Code != "1011" {
					t.Errorf("expected close code 1011, got %q", sessionErr.Code)
				}
			} else if sessionErr != nil {
				t.Errorf("expected no error on clean close, got %v", sessionErr)
			}
		})
	}
}

func TestSession_ErrorFrameMapping(t *testing.T) {
	tests := []struct {
		name         string
		code         int
		expectedType core.ErrorType
	}{
		{name: "rate limited", code: 429, expectedType: core.ErrRateLimit},
		{name: "unavailable", code: 503, expectedType: core.ErrUnavailable},
		{name: "other", code: 500, expectedType: core.ErrProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ls := newLiveTestServer(t, func(conn *websocket.Conn) {
				ackSetup(conn)
				_ = conn.WriteJSON(map[string]any{"error": map[string]any{
					"code":    tt.code,
					"message": "upstream says no",
				}})
				drainUntilClose(conn)
			})

			s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
			errCh := make(chan *core.Error, 1)
			s.SetHandlers(Handlers{OnError: func(err *core.Error) { errCh <- err }})

			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("start failed: %v", err)
			}

			select {
			case err := <-errCh:
				if err.Type != tt.expectedType {
					t.Errorf("expected %s, got %s", tt.expectedType, err.Type)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for error")
			}
			waitForState(t, s, StateError)
		})
	}
}

func TestSession_ToolCallsJoinedResponse(t *testing.T) {
	framesCh := make(chan (<-chan map[string]any), 1)
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		frames, done := collectClientFrames(conn)
		framesCh <- frames
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"toolCall": map[string]any{
			"functionCalls": []any{
				map[string]any{"id": "call-1", "name": "get_weather", "args": map[string]any{"city": "Lisbon"}},
				map[string]any{"id": "call-2", "name": "get_menu"},
			},
		}})
		<-done
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	s.SetHandlers(Handlers{
		Tools: map[string]ToolHandler{
			"get_weather": func(ctx context.Context, args map[string]any) (map[string]any, error) {
				if args["city"] != "Lisbon" {
					t.Errorf("expected city Lisbon, got %v", args["city"])
				}
				return map[string]any{"forecast": "sunny"}, nil
			},
		},
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	frames := <-framesCh
	frame := waitForClientFrame(t, frames, hasKey("toolResponse"))

	tr := frame["toolResponse"].(map[string]any)
	responses := tr["functionResponses"].([]any)
	if len(responses) != 2 {
		t.Fatalf("expected 2 joined responses, got %d", len(responses))
	}

	byID := map[string]map[string]any{}
	for _, r := range responses {
		resp := r.(map[string]any)
		byID[resp["id"].(string)] = resp["response"].(map[string]any)
	}
	if byID["call-1"]["forecast"] != "sunny" {
		t.Errorf("expected handler result, got %v", byID["call-1"])
	}
	// Unregistered tools get a neutral answer, not an error.
	if byID["call-2"]["result"] != "not available" {
		t.Errorf("expected neutral response, got %v", byID["call-2"])
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})

	s, mic, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := s.End(); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if err := s.End(); err != nil {
		t.Fatalf("second end failed: %v", err)
	}

	if s.State() != StateIdle {
		t.Errorf("expected idle after end, got %s", s.State())
	}
	mic.mu.Lock()
	stops := mic.stops
	mic.mu.Unlock()
	if stops == 0 {
		t.Error("expected microphone released")
	}

	if err := s.Start(context.Background()); err == nil {
		t.Error("expected start after end to fail")
	}
}

func TestSession_BreakerRejectsThenReset(t *testing.T) {
	breaker := transport.NewBreaker(1, time.Minute)

	// A session pointed at a dead endpoint trips the breaker.
	cfg := DefaultConfig()
	cfg.Endpoint = "ws://127.0.0.1:1"
	cfg.StartTimeout = 2 * time.Second
	cfg.Breaker = breaker
	dead := NewSession(cfg, &fakeIssuer{grant: &token.Grant{APIKey: "k"}}, newFakeMic(48000), &captureSink{})
	if err := dead.Start(context.Background()); err == nil {
		t.Fatal("expected connect failure")
	}
	if !breaker.IsOpen() {
		t.Fatal("expected breaker open after connect failure")
	}

	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})
	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	s.cfg.Breaker = breaker
	s.breaker = breaker

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected breaker rejection")
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrBreakerOpen {
		t.Fatalf("expected breaker_open error, got %v", err)
	}
	if got := ls.Upgrades(); got != 0 {
		t.Errorf("expected no connection attempt while open, got %d", got)
	}

	breaker.Reset()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start after reset failed: %v", err)
	}
	if got := ls.Upgrades(); got != 1 {
		t.Errorf("expected 1 websocket after reset, got %d", got)
	}
}

func TestSession_MicFailureCountsAgainstBreaker(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})

	breaker := transport.NewBreaker(3, time.Minute)
	cfg := DefaultConfig()
	cfg.Endpoint = ls.URL
	cfg.Breaker = breaker

	mic := newFakeMic(48000)
	mic.startErr = errors.New("device busy")
	s := NewSession(cfg, &fakeIssuer{grant: &token.Grant{AccessToken: "tok"}}, mic, &captureSink{})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected mic failure")
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrMicrophone {
		t.Fatalf("expected microphone error, got %v", err)
	}
	if s.State() != StateError {
		t.Errorf("expected error state, got %s", s.State())
	}
	if got := breaker.Failures(); got != 1 {
		t.Errorf("expected 1 breaker failure, got %d", got)
	}
}

func TestSession_InConversationFailureCountsAgainstBreaker(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		// Fail only after audio has been forwarded, well past setup.
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if ri, ok := m["realtimeInput"].(map[string]any); ok {
				if _, ok := ri["mediaChunks"]; ok {
					break
				}
			}
		}
		_ = conn.WriteJSON(map[string]any{"error": map[string]any{
			"code":    503,
			"message": "upstream says no",
		}})
		drainUntilClose(conn)
	})

	breaker := transport.NewBreaker(3, time.Minute)
	cfg := DefaultConfig()
	cfg.TripID = "trip-1"
	cfg.Endpoint = ls.URL
	cfg.StartTimeout = 2 * time.Second
	cfg.SetupTimeout = 2 * time.Second
	cfg.Breaker = breaker

	mic := newFakeMic(48000)
	s := NewSession(cfg, &fakeIssuer{grant: &token.Grant{AccessToken: "tok"}}, mic, &captureSink{})
	t.Cleanup(func() { _ = s.End() })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	mic.push(0.01, 480)

	waitForState(t, s, StateError)
	if got := breaker.Failures(); got != 1 {
		t.Errorf("expected 1 breaker failure, got %d", got)
	}
}

func TestSession_SendText(t *testing.T) {
	contentCh := make(chan map[string]any, 1)
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		for {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			if _, ok := m["clientContent"]; !ok {
				continue
			}
			select {
			case contentCh <- m:
			default:
			}
			_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Checkout is at 11am."},
			}})
			_ = conn.WriteJSON(map[string]any{"serverContent": map[string]any{
				"turnComplete": true,
			}})
		}
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := s.SendText("   "); err == nil {
		t.Error("expected error for blank text")
	}
	if err := s.SendText("what time is checkout?"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case m := <-contentCh:
		cc := m["clientContent"].(map[string]any)
		if cc["turnComplete"] != true {
			t.Error("expected a complete turn on the wire")
		}
		turn := cc["turns"].([]any)[0].(map[string]any)
		if turn["role"] != "user" {
			t.Errorf("expected role user, got %v", turn["role"])
		}
		part := turn["parts"].([]any)[0].(map[string]any)
		if part["text"] != "what time is checkout?" {
			t.Errorf("unexpected text %v", part["text"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clientContent frame")
	}

	// The typed text stands in for the user transcript in the turn.
	select {
	case turn := <-turns:
		if turn.User != "what time is checkout?" {
			t.Errorf("unexpected user text %q", turn.User)
		}
		if turn.Assistant != "Checkout is at 11am." {
			t.Errorf("unexpected assistant transcript %q", turn.Assistant)
		}
		if turn.Reason != TurnReasonComplete {
			t.Errorf("expected reason %s, got %s", TurnReasonComplete, turn.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn")
	}

	_ = s.End()
	if err := s.SendText("too late"); err == nil {
		t.Error("expected error after end")
	}
}

func TestSession_FailedSendExcludedFromTurn(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	turns := make(chan Turn, 4)
	s.SetHandlers(Handlers{OnTurn: func(turn Turn) { turns <- turn }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Stand in for a socket dying mid-send: a second connection, already
	// closed, rejects the write.
	dead := newLiveTestServer(t, func(conn *websocket.Conn) {
		drainUntilClose(conn)
	})
	deadConn, err := transport.Dial(context.Background(), dead.URL)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	_ = deadConn.Close()

	s.mu.Lock()
	liveConn := s.conn
	s.conn = deadConn
	s.mu.Unlock()

	if err := s.SendText("never delivered"); err == nil {
		t.Fatal("expected send on a dead connection to fail")
	}

	s.mu.Lock()
	s.conn = liveConn
	s.mu.Unlock()

	if err := s.End(); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	// Text the model never received must not surface in a turn.
	select {
	case turn := <-turns:
		t.Errorf("expected no turn after a failed send, got user %q", turn.User)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_ExpiryWarning(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		drainUntilClose(conn)
	})

	cfg := DefaultConfig()
	cfg.TripID = "trip-1"
	cfg.Endpoint = ls.URL
	cfg.StartTimeout = 2 * time.Second
	cfg.SetupTimeout = 2 * time.Second
	cfg.ExpiryWarning = 50 * time.Millisecond
	cfg.Breaker = transport.NewBreaker(3, time.Minute)

	expires := time.Now().Add(150 * time.Millisecond)
	grant := &token.Grant{AccessToken: "tok", ExpireTime: expires}
	s := NewSession(cfg, &fakeIssuer{grant: grant}, newFakeMic(48000), &captureSink{})
	t.Cleanup(func() { _ = s.End() })

	warned := make(chan time.Time, 1)
	s.SetHandlers(Handlers{OnExpiryWarning: func(at time.Time) { warned <- at }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case at := <-warned:
		if !at.Equal(expires) {
			t.Errorf("expected expiry %v, got %v", expires, at)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry warning")
	}

	// The warning is advisory. The session keeps running.
	if got := s.State(); got != StateListening {
		t.Errorf("expected state %s after warning, got %s", StateListening, got)
	}
}

func TestSession_GoAwayWarnsExpiry(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		ackSetup(conn)
		_ = conn.WriteJSON(map[string]any{"goAway": map[string]any{"timeLeft": "30s"}})
		drainUntilClose(conn)
	})

	s, _, _ := newTestSession(t, ls.URL, &token.Grant{AccessToken: "tok"})
	warned := make(chan time.Time, 1)
	s.SetHandlers(Handlers{OnExpiryWarning: func(at time.Time) { warned <- at }})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case at := <-warned:
		if until := time.Until(at); until <= 0 || until > time.Minute {
			t.Errorf("expected expiry about 30s out, got %v", until)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for goAway warning")
	}
}

func TestSession_SetupTimeout(t *testing.T) {
	ls := newLiveTestServer(t, func(conn *websocket.Conn) {
		// Never acknowledge setup.
		drainUntilClose(conn)
	})

	cfg := DefaultConfig()
	cfg.Endpoint = ls.URL
	cfg.SetupTimeout = 100 * time.Millisecond
	cfg.Breaker = transport.NewBreaker(3, time.Minute)
	s := NewSession(cfg, &fakeIssuer{grant: &token.Grant{AccessToken: "tok"}}, newFakeMic(48000), &captureSink{})

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected setup timeout")
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
