package live

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chravel/chravel-live/pkg/audio"
	"github.com/chravel/chravel-live/pkg/core"
	"github.com/chravel/chravel-live/pkg/token"
	"github.com/chravel/chravel-live/pkg/transport"
	"github.com/chravel/chravel-live/pkg/wire"
)

// Interruption sources reported in InterruptedEvent.
const (
	interruptSourceClient = "client"
	interruptSourceServer = "server"
)

// Session is one live voice conversation. It owns the microphone capture
// path, the websocket to the model, and the playback queue, and exposes the
// conversation through events and handlers.
//
// A Session is single-use: Start connects it, End (or any failure) retires
// it. Retrying after a failure means creating a new Session; the shared
// circuit breaker carries failure history across instances.
type Session struct {
	cfg     Config
	logger  *zap.Logger
	breaker *transport.Breaker

	tokens token.Issuer
	mic    audio.Source
	sink   io.Writer

	// State
	mu    sync.RWMutex
	state SessionState

	conn     *transport.Conn
	grant    *token.Grant
	capture  *audio.Capture
	playback *audio.Queue

	handlersMu sync.RWMutex
	handlers   Handlers

	// Turn accumulators. Zeroed under turnMu before the turn callback runs,
	// so concurrent boundary signals cannot deliver the same turn twice.
	turnMu        sync.Mutex
	userTurn      strings.Builder
	assistantTurn strings.Builder

	setupDone chan struct{}
	setupOnce sync.Once

	toolMu      sync.Mutex
	toolCancels map[string]context.CancelFunc

	speaking atomic.Bool
	started  atomic.Bool
	closed   atomic.Bool

	// Channels
	events chan Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	expiryMu    sync.Mutex
	expiryTimer *time.Timer

	diagMu sync.Mutex
	diag   Diagnostics
}

// NewSession creates a live session. tokens mints connection grants, mic
// delivers device-rate audio frames, and sink receives playback-rate PCM.
func NewSession(cfg Config, tokens token.Issuer, mic audio.Source, sink io.Writer) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:         cfg,
		logger:      cfg.Logger,
		breaker:     cfg.Breaker,
		tokens:      tokens,
		mic:         mic,
		sink:        sink,
		state:       StateIdle,
		setupDone:   make(chan struct{}),
		toolCancels: make(map[string]context.CancelFunc),
		events:      make(chan Event, 100),
		done:        make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Events returns the channel for receiving session events. The channel is
// not closed; select against Done to detect the end of the session.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

type grantResult struct {
	grant *token.Grant
	err   error
}

// Start connects the session: microphone and connection grant are acquired
// in parallel, then the websocket is dialed and the server's setup
// acknowledgement awaited. On return the session is listening.
//
// Calling Start on a session that is already starting or started is a no-op;
// at most one websocket is ever opened. Start after End fails.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return core.NewInvalidRequestError("session already ended")
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if !s.breaker.Allow() {
		// No connection attempt is made while the breaker is open, and the
		// rejection itself does not count as a failure.
		s.started.Store(false)
		return core.NewBreakerOpenError()
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	startCtx, startCancel := context.WithTimeout(s.ctx, s.cfg.StartTimeout)
	defer startCancel()

	s.diagMu.Lock()
	s.diag.StartedAt = time.Now()
	s.diagMu.Unlock()

	s.transition(StateRequestingMic)

	capture := audio.NewCapture(audio.DefaultCaptureConfig(s.mic.SampleRate()), s.onChunk)
	playback := audio.NewQueue(audio.DefaultPlaybackConfig(), s.sink)
	s.mu.Lock()
	s.capture = capture
	s.playback = playback
	s.mu.Unlock()

	// Mic and token race in parallel so a slow permission prompt does not
	// serialize behind the network.
	micCh := make(chan error, 1)
	go func() {
		micCh <- s.mic.Start(capture.Push)
	}()

	grantCh := make(chan grantResult, 1)
	go func() {
		g, err := s.tokens.Issue(startCtx, token.Request{TripID: s.cfg.TripID, Voice: s.cfg.Voice})
		grantCh <- grantResult{grant: g, err: err}
	}()

	var grant *token.Grant
	for pending := 2; pending > 0; pending-- {
		select {
		case err := <-micCh:
			if err != nil {
				return s.failStart(core.NewMicrophoneError("microphone unavailable", err))
			}
		case res := <-grantCh:
			if res.err != nil {
				return s.failStart(core.AsError(res.err))
			}
			grant = res.grant
		case <-startCtx.Done():
			return s.failStart(core.NewTimeoutError("session start"))
		}
	}

	base := s.cfg.Endpoint
	if base == "" {
		base = wire.DefaultEndpoint
	}
	if grant.WebsocketURL != "" {
		base = grant.WebsocketURL
	}
	wsURL, err := wire.Endpoint(base, grant.Credential())
	if err != nil {
		return s.failStart(core.AsError(err))
	}

	conn, err := transport.Dial(startCtx, wsURL)
	if err != nil {
		return s.failStart(core.NewTransportError(fmt.Sprintf("connect failed: %v", err), 0))
	}

	s.mu.Lock()
	s.conn = conn
	s.grant = grant
	s.mu.Unlock()

	s.diagMu.Lock()
	s.diag.ConnectedAt = time.Now()
	s.diagMu.Unlock()

	go conn.ReadLoop(s.onFrame)
	go s.watchConn(conn)

	// An ephemeral token carries the session configuration from mint time;
	// the server rejects a second setup. Raw keys configure here.
	if !grant.Ephemeral() {
		if err := conn.WriteJSON(s.setupMessage(grant)); err != nil {
			return s.failStart(core.NewTransportError("setup write failed", 0))
		}
	}

	select {
	case <-s.setupDone:
	case <-time.After(s.cfg.SetupTimeout):
		return s.failStart(core.NewTimeoutError("setup"))
	case <-s.done:
		return core.NewTransportError("connection closed during setup", 0)
	}

	s.transition(StateReady)
	s.breaker.RecordSuccess()
	s.emit(&SessionReadyEvent{Model: s.modelFor(grant), Ephemeral: grant.Ephemeral()})
	s.scheduleExpiryWarning(grant)
	s.transition(StateListening)

	s.logger.Info("live session started",
		zap.String("trip_id", s.cfg.TripID),
		zap.String("model", s.modelFor(grant)),
		zap.Bool("ephemeral", grant.Ephemeral()))
	return nil
}

// End stops the session and releases the microphone, speaker, and socket.
// Safe to call at any time, any number of times.
func (s *Session) End() error {
	s.teardown(StateIdle, "ended")
	return nil
}

// SendText submits a typed message as a complete user turn.
func (s *Session) SendText(text string) error {
	if s.closed.Load() {
		return core.NewInvalidRequestError("session ended")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestError("text is empty")
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return core.NewInvalidRequestError("session not started")
	}

	if err := conn.WriteJSON(wire.TextMessage(text)); err != nil {
		return err
	}

	// Accumulate only once the model has the text, so a failed send never
	// surfaces in a delivered turn.
	s.turnMu.Lock()
	s.userTurn.WriteString(text)
	s.turnMu.Unlock()
	return nil
}

// Interrupt cuts off model playback as if the user had spoken over it:
// queued audio is dropped and the server is told to stop generating.
func (s *Session) Interrupt() error {
	if s.closed.Load() {
		return core.NewInvalidRequestError("session ended")
	}
	s.bargeIn()
	return nil
}

// setupMessage builds the session configuration frame, layering config
// overrides on top of what the grant carries.
func (s *Session) setupMessage(grant *token.Grant) wire.ClientMessage {
	setup := wire.Setup{
		Model: s.modelFor(grant),
		GenerationConfig: &wire.GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &wire.TranscriptionCfg{},
		OutputAudioTranscription: &wire.TranscriptionCfg{},
	}

	voice := s.cfg.Voice
	if voice == "" {
		voice = grant.Voice
	}
	if voice != "" {
		setup.GenerationConfig.SpeechConfig = &wire.SpeechConfig{
			VoiceConfig: &wire.VoiceConfig{
				PrebuiltVoiceConfig: &wire.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}

	system := s.cfg.SystemInstruction
	if system == "" {
		system = grant.SystemInstruction
	}
	setup.SystemInstruction = wire.SystemInstruction(system)

	tools := s.cfg.Tools
	if len(tools) == 0 {
		tools = grant.Tools
	}
	setup.Tools = tools

	return wire.SetupMessage(setup)
}

func (s *Session) modelFor(grant *token.Grant) string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	if grant != nil && grant.Model != "" {
		return grant.Model
	}
	return wire.DefaultModel
}

// onChunk receives converted mic chunks from the capture path.
func (s *Session) onChunk(c audio.Chunk) {
	if s.closed.Load() {
		return
	}

	s.diagMu.Lock()
	s.diag.LastRMS = c.RMS
	s.diagMu.Unlock()

	if s.cfg.BargeIn.Enabled && s.speaking.Load() && c.RMS >= s.cfg.BargeIn.EnergyThreshold {
		s.debug("AUDIO", fmt.Sprintf("Barge-in: RMS %.3f over threshold %.3f", c.RMS, s.cfg.BargeIn.EnergyThreshold))
		s.bargeIn()
	}

	// The mic keeps streaming through playback so the server hears
	// overlapping speech; frames before ready are dropped.
	switch s.State() {
	case StateListening, StateSending, StatePlaying, StateInterrupted:
	default:
		return
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	if s.State() == StateListening {
		s.transition(StateSending)
	}

	if err := conn.WriteJSON(wire.AudioChunkMessage(c.MimeType, c.Data)); err != nil {
		if s.closed.Load() || conn.Closed() {
			return
		}
		s.fail(core.NewTransportError(fmt.Sprintf("audio write failed: %v", err), 0))
		return
	}

	s.diagMu.Lock()
	s.diag.ChunksSent++
	if s.diag.FirstChunkMS == 0 && !s.diag.StartedAt.IsZero() {
		s.diag.FirstChunkMS = time.Since(s.diag.StartedAt).Milliseconds()
	}
	s.diagMu.Unlock()
}

// onFrame receives raw frames from the websocket read loop.
func (s *Session) onFrame(data []byte) {
	if s.closed.Load() {
		return
	}

	s.diagMu.Lock()
	s.diag.FramesReceived++
	s.diagMu.Unlock()

	msg, err := wire.DecodeServerMessage(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch msg.Kind() {
	case "setupComplete":
		s.setupOnce.Do(func() { close(s.setupDone) })
	case "serverContent":
		s.handleServerContent(msg.ServerContent)
	case "toolCall":
		go s.handleToolCall(msg.ToolCall)
	case "toolCallCancellation":
		s.handleToolCancellation(msg.ToolCallCancellation)
	case "goAway":
		s.handleGoAway(msg.GoAway)
	case "error":
		s.handleErrorFrame(msg.Error)
	default:
		// Unknown frames are dropped.
	}
}

func (s *Session) handleServerContent(sc *wire.ServerContent) {
	if sc == nil {
		return
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.turnMu.Lock()
		s.userTurn.WriteString(sc.InputTranscription.Text)
		full := s.userTurn.String()
		s.turnMu.Unlock()
		s.emit(&UserTranscriptEvent{Delta: sc.InputTranscription.Text, Text: full})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.appendAssistant(sc.OutputTranscription.Text)
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData != nil && strings.HasPrefix(part.InlineData.MimeType, "audio/") {
				s.playModelAudio(part.InlineData.Data)
			}
			if part.Text != "" {
				s.appendAssistant(part.Text)
			}
		}
	}

	if sc.Interrupted {
		s.handleInterrupted()
	}

	if sc.TurnComplete {
		// Queued audio keeps playing to the end; only an interruption
		// flushes the playback queue.
		s.speaking.Store(false)
		s.flushTurn(TurnReasonComplete)
		s.transition(StateListening)
	}
}

func (s *Session) appendAssistant(text string) {
	s.turnMu.Lock()
	s.assistantTurn.WriteString(text)
	full := s.assistantTurn.String()
	s.turnMu.Unlock()

	s.diagMu.Lock()
	if s.diag.FirstTokenMS == 0 && !s.diag.StartedAt.IsZero() {
		s.diag.FirstTokenMS = time.Since(s.diag.StartedAt).Milliseconds()
	}
	s.diagMu.Unlock()

	s.emit(&AssistantTranscriptEvent{Delta: text, Text: full})
}

func (s *Session) playModelAudio(data string) {
	pcm, err := audio.DecodeChunk(data)
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", zap.Error(err))
		return
	}

	s.mu.RLock()
	playback := s.playback
	s.mu.RUnlock()
	if playback != nil {
		playback.Enqueue(pcm)
	}

	s.diagMu.Lock()
	s.diag.AudioBytesReceived += int64(len(pcm))
	if s.diag.FirstAudioMS == 0 && !s.diag.StartedAt.IsZero() {
		s.diag.FirstAudioMS = time.Since(s.diag.StartedAt).Milliseconds()
	}
	s.diagMu.Unlock()

	if s.speaking.CompareAndSwap(false, true) {
		s.transition(StatePlaying)
	}
}

// bargeIn handles local interruption: the user spoke over the model.
func (s *Session) bargeIn() {
	if !s.speaking.CompareAndSwap(true, false) {
		return
	}
	begin := time.Now()

	s.mu.RLock()
	conn := s.conn
	playback := s.playback
	s.mu.RUnlock()

	if playback != nil {
		playback.Flush()
	}
	if conn != nil {
		// Announcing user activity makes the server halt generation and
		// confirm the interruption.
		_ = conn.WriteJSON(wire.ActivityStartMessage())
	}

	s.diagMu.Lock()
	s.diag.CancelMS = time.Since(begin).Milliseconds()
	s.diagMu.Unlock()

	s.emit(&InterruptedEvent{Source: interruptSourceClient})
	s.flushTurn(TurnReasonInterrupted)
	s.transition(StateInterrupted)
	s.transition(StateListening)
}

// handleInterrupted handles the server's interruption signal. When local
// barge-in already ran, this is a silent no-op.
func (s *Session) handleInterrupted() {
	wasSpeaking := s.speaking.Swap(false)

	s.mu.RLock()
	playback := s.playback
	s.mu.RUnlock()
	if playback != nil {
		playback.Flush()
	}

	delivered := s.flushTurn(TurnReasonInterrupted)
	if !wasSpeaking && !delivered {
		return
	}

	s.emit(&InterruptedEvent{Source: interruptSourceServer})
	s.transition(StateInterrupted)
	s.transition(StateListening)
}

// flushTurn delivers the accumulated turn transcript and resets the
// accumulators. Empty turns are skipped; callers may race, only one
// delivers.
func (s *Session) flushTurn(reason string) bool {
	s.turnMu.Lock()
	user := strings.TrimSpace(s.userTurn.String())
	assistant := strings.TrimSpace(s.assistantTurn.String())
	s.userTurn.Reset()
	s.assistantTurn.Reset()
	s.turnMu.Unlock()

	if user == "" && assistant == "" {
		return false
	}

	turn := Turn{User: user, Assistant: assistant, Reason: reason}
	s.emit(&TurnCompleteEvent{Turn: turn})
	if h := s.getHandlers().OnTurn; h != nil {
		h(turn)
	}
	return true
}

// handleToolCall runs every call in the batch, then answers with one joined
// tool response frame.
func (s *Session) handleToolCall(tc *wire.ToolCall) {
	if tc == nil || len(tc.FunctionCalls) == 0 {
		return
	}
	handlers := s.getHandlers()

	results := make([]wire.FunctionResponse, len(tc.FunctionCalls))
	var wg sync.WaitGroup
	for i, call := range tc.FunctionCalls {
		s.emit(&ToolCallEvent{ID: call.ID, Name: call.Name, Args: call.Args})

		handler, ok := handlers.Tools[call.Name]
		if !ok {
			// A neutral answer lets the model recover conversationally
			// instead of erroring the session.
			results[i] = wire.FunctionResponse{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"result": "not available"},
			}
			continue
		}

		wg.Add(1)
		go func(i int, call wire.FunctionCall) {
			defer wg.Done()
			results[i] = s.runTool(handler, call)
		}(i, call)
	}
	wg.Wait()

	if s.closed.Load() {
		return
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(wire.ToolResponseMessage(results)); err != nil {
		s.logger.Warn("tool response write failed", zap.Error(err))
		return
	}

	s.diagMu.Lock()
	s.diag.ToolCalls += int64(len(tc.FunctionCalls))
	s.diagMu.Unlock()
	s.emit(&ToolResponseEvent{Count: len(results)})
}

func (s *Session) runTool(handler ToolHandler, call wire.FunctionCall) (resp wire.FunctionResponse) {
	resp = wire.FunctionResponse{ID: call.ID, Name: call.Name}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked",
				zap.String("tool", call.Name),
				zap.Any("panic", r))
			resp.Response = map[string]any{"error": "tool failed"}
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ToolTimeout)
	s.registerToolCancel(call.ID, cancel)
	defer func() {
		s.unregisterToolCancel(call.ID)
		cancel()
	}()

	s.debug("TOOL", "Running "+call.Name)
	out, err := handler(ctx, call.Args)
	if err != nil {
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}
	if out == nil {
		out = map[string]any{"result": "ok"}
	}
	resp.Response = out
	return resp
}

func (s *Session) registerToolCancel(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	s.toolMu.Lock()
	s.toolCancels[id] = cancel
	s.toolMu.Unlock()
}

func (s *Session) unregisterToolCancel(id string) {
	if id == "" {
		return
	}
	s.toolMu.Lock()
	delete(s.toolCancels, id)
	s.toolMu.Unlock()
}

func (s *Session) handleToolCancellation(tcc *wire.ToolCallCancellation) {
	if tcc == nil {
		return
	}
	s.toolMu.Lock()
	for _, id := range tcc.IDs {
		if cancel, ok := s.toolCancels[id]; ok {
			cancel()
			delete(s.toolCancels, id)
		}
	}
	s.toolMu.Unlock()
}

func (s *Session) cancelTools() {
	s.toolMu.Lock()
	for id, cancel := range s.toolCancels {
		cancel()
		delete(s.toolCancels, id)
	}
	s.toolMu.Unlock()
}

func (s *Session) handleGoAway(ga *wire.GoAway) {
	expires := time.Now()
	if ga != nil && ga.TimeLeft != "" {
		if d, err := time.ParseDuration(ga.TimeLeft); err == nil {
			expires = expires.Add(d)
		}
	}
	s.logger.Info("server going away", zap.Time("expires_at", expires))
	s.emit(&ExpiryWarningEvent{ExpiresAt: expires})
	if h := s.getHandlers().OnExpiryWarning; h != nil {
		h(expires)
	}
}

// handleErrorFrame maps in-band error frames to typed errors and ends the
// session.
func (s *Session) handleErrorFrame(ef *wire.ErrorFrame) {
	if ef == nil {
		return
	}

	msg := ef.Message
	var err *core.Error
	switch ef.Code {
	case 429:
		if msg == "" {
			msg = "voice service rate limited"
		}
		err = core.NewRateLimitError(msg, 0)
	case 503:
		if msg == "" {
			msg = "voice service unavailable"
		}
		err = core.NewUnavailableError(msg)
	default:
		if msg == "" {
			msg = "voice service error"
		}
		code := ef.Status
		if code == "" && ef.Code != 0 {
			code = strconv.Itoa(ef.Code)
		}
		err = core.NewProviderError(msg, code)
	}
	s.fail(err)
}

// watchConn waits for the read loop to exit and maps the close to an
// outcome: clean closes end the session without error, everything else
// fails it.
func (s *Session) watchConn(conn *transport.Conn) {
	select {
	case <-conn.Done():
	case <-s.done:
		return
	}
	if s.closed.Load() {
		return
	}

	err := conn.Err()
	code, reason := transport.CloseStatus(err)
	if transport.CleanClose(code) {
		s.teardown(StateIdle, "server_closed")
		return
	}

	msg := "connection closed abnormally"
	if reason != "" {
		msg = fmt.Sprintf("connection closed abnormally: %s", reason)
	} else if code == 0 && err != nil {
		msg = fmt.Sprintf("connection lost: %v", err)
	}
	s.fail(core.NewTransportError(msg, code))
}

func (s *Session) scheduleExpiryWarning(grant *token.Grant) {
	expires := grant.ExpireTime
	if expires.IsZero() {
		expires = time.Now().Add(s.cfg.TokenTTL)
	}
	warnIn := time.Until(expires) - s.cfg.ExpiryWarning
	if warnIn < 0 {
		warnIn = 0
	}

	s.expiryMu.Lock()
	s.expiryTimer = time.AfterFunc(warnIn, func() {
		if s.closed.Load() {
			return
		}
		s.logger.Info("session nearing grant expiry", zap.Time("expires_at", expires))
		s.emit(&ExpiryWarningEvent{ExpiresAt: expires})
		if h := s.getHandlers().OnExpiryWarning; h != nil {
			h(expires)
		}
	})
	s.expiryMu.Unlock()
}

func (s *Session) stopExpiryTimer() {
	s.expiryMu.Lock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	s.expiryMu.Unlock()
}

// fail records the error against the circuit breaker, notifies the caller,
// and tears the session down into the error state. Every fatal path funnels
// through here regardless of which stage it came from.
func (s *Session) fail(err *core.Error) {
	if s.closed.Load() {
		return
	}

	s.diagMu.Lock()
	s.diag.LastError = err.Error()
	s.diagMu.Unlock()

	s.logger.Warn("live session failed",
		zap.String("type", string(err.Type)),
		zap.String("message", err.Message))

	s.emit(&ErrorEvent{Code: string(err.Type), Message: err.Message})
	if h := s.getHandlers().OnError; h != nil {
		h(err)
	}

	s.breaker.RecordFailure()
	s.teardown(StateError, "error")
}

func (s *Session) failStart(err *core.Error) error {
	s.fail(err)
	return err
}

// teardown releases everything the session holds. It is the only place
// resources are freed, and it runs at most once.
func (s *Session) teardown(final SessionState, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	// A turn still in flight reaches the caller before shutdown.
	s.flushTurn(TurnReasonSessionEnd)

	s.mu.Lock()
	conn := s.conn
	capture := s.capture
	playback := s.playback
	s.mu.Unlock()

	if capture != nil {
		capture.Stop()
	}
	if s.mic != nil {
		_ = s.mic.Stop()
	}
	if playback != nil {
		playback.Destroy()
	}
	if conn != nil {
		_ = conn.Close()
	}

	s.cancelTools()
	s.stopExpiryTimer()
	if s.cancel != nil {
		s.cancel()
	}
	s.speaking.Store(false)

	s.transition(final)
	s.emit(&SessionClosedEvent{Reason: reason})
	close(s.done)

	s.logger.Info("live session closed", zap.String("reason", reason), zap.String("state", final.String()))
}

// transition is the single place session state changes. The new state is
// readable the moment the swap completes, before any handler runs.
func (s *Session) transition(to SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}

	s.logger.Debug("session state", zap.String("from", from.String()), zap.String("to", to.String()))
	s.emit(&StateChangedEvent{From: from, To: to})
	if h := s.getHandlers().OnStateChange; h != nil {
		h(from, to)
	}
}

// emit sends an event to the events channel. Events are dropped rather than
// blocking session goroutines.
func (s *Session) emit(event Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- event:
	default:
	}
}

// debug emits a debug event when debug mode is on.
func (s *Session) debug(category, message string) {
	s.logger.Debug(message, zap.String("category", category))
	if s.cfg.Debug {
		s.emit(&DebugEvent{Category: category, Message: message})
	}
}
