// Package main is the chravel-voice CLI: a live voice conversation with the
// trip concierge, from the terminal.
//
// Usage:
//
//	chravel-voice -trip trip-1234
//
// Environment variables:
//
//	CHRAVEL_SESSION_TOKEN - bearer token for the grant endpoint
//	GEMINI_API_KEY        - raw key fallback when no endpoint is configured
//	DATABASE_URL          - transcript archive DSN (store.enabled)
//	SUPABASE_ANON_KEY     - realtime hub api key (realtime.enabled)
//	CHRAVEL_USER_ID       - presence identity on the trip channels
//
// Controls:
//
//	/t <text>   Send a typed message into the conversation
//	/i          Interrupt model playback
//	/stats      Print session diagnostics
//	q           Quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chravel/chravel-live/internal/config"
	"github.com/chravel/chravel-live/internal/logging"
	"github.com/chravel/chravel-live/internal/metrics"
	"github.com/chravel/chravel-live/internal/store"
	"github.com/chravel/chravel-live/pkg/audio"
	"github.com/chravel/chravel-live/pkg/core"
	"github.com/chravel/chravel-live/pkg/core/live"
	"github.com/chravel/chravel-live/pkg/hub"
	"github.com/chravel/chravel-live/pkg/token"
	"github.com/chravel/chravel-live/pkg/transport"
	"github.com/chravel/chravel-live/pkg/wire"
)

type options struct {
	configPath string
	trip       string
	voice      string
	micRate    int
	debug      bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.configPath, "config", "", "Path to config file (optional)")
	flag.StringVar(&opt.trip, "trip", "", "Trip ID the session belongs to; required")
	flag.StringVar(&opt.voice, "voice", "", "Prebuilt voice name, e.g. Puck (overrides config)")
	flag.IntVar(&opt.micRate, "mic-rate", 48000, "Capture device sample rate in Hz (default: 48000)")
	flag.BoolVar(&opt.debug, "debug", false, "Print state transitions and transcript deltas")
	flag.Parse()

	if strings.TrimSpace(opt.trip) == "" {
		fmt.Fprintln(os.Stderr, "--trip is required")
		return 2
	}
	if opt.micRate <= 0 {
		fmt.Fprintln(os.Stderr, "--mic-rate must be > 0")
		return 2
	}

	cfg := config.Default()
	if opt.configPath != "" {
		loaded, err := config.Load(opt.configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			return 2
		}
		cfg = loaded
	}

	logger := logging.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		serveMetrics(cfg.Metrics.Address, logger)
	}

	var st *store.Store
	if cfg.Store.Enabled {
		dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
		if dsn == "" {
			fmt.Fprintln(os.Stderr, "store enabled but DATABASE_URL is not set")
			return 2
		}
		if cfg.Store.Migrate {
			if err := store.Migrate(ctx, dsn); err != nil {
				fmt.Fprintln(os.Stderr, "migrate:", err)
				return 1
			}
		}
		var err error
		st, err = store.Open(ctx, dsn)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open store:", err)
			return 1
		}
		defer st.Close()
	}

	issuer, err := buildIssuer(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var tripHub *hub.Hub
	if cfg.Realtime.Enabled {
		client, h, err := connectHub(ctx, cfg, opt.trip, logger, m)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		tripHub = h
		if m != nil {
			m.SetActiveHubs(1)
		}
		defer func() {
			tripHub.Release()
			_ = client.Close()
			if m != nil {
				m.SetActiveHubs(0)
			}
		}()
	}

	mic := newMicSource(opt.micRate, cfg.Audio.CapturePeriodMs)
	speaker, err := newSpeaker(audio.DefaultPlaybackRate, cfg.Audio.PlaybackBufferMs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer speaker.Close()

	s := live.NewSession(sessionConfig(cfg, opt, logger), issuer, mic, speaker)
	sessionID := uuid.New()
	s.SetHandlers(live.Handlers{
		OnTurn: func(turn live.Turn) {
			printTurn(turn)
			if m != nil {
				m.RecordTurn(turn.Reason)
			}
			if st != nil {
				go archiveTurn(st, m, logger, store.Turn{
					SessionID:     sessionID,
					TripID:        opt.trip,
					UserText:      turn.User,
					AssistantText: turn.Assistant,
					Reason:        turn.Reason,
				})
			}
		},
		OnError: func(err *core.Error) {
			fmt.Fprintf(os.Stderr, "\n[session error] %s\n", err.Message)
			if m != nil {
				m.RecordSessionFailed(string(err.Type))
				m.SetBreakerOpen(transport.DefaultBreaker().IsOpen())
			}
		},
		OnExpiryWarning: func(expiresAt time.Time) {
			fmt.Printf("\n[warning] session expires at %s; wrap up or reconnect\n", expiresAt.Local().Format(time.Kitchen))
		},
		Tools: map[string]live.ToolHandler{
			"local_time": func(ctx context.Context, args map[string]any) (map[string]any, error) {
				if m != nil {
					m.RecordToolCall("local_time")
				}
				return map[string]any{"time": time.Now().Format(time.RFC1123)}, nil
			},
		},
	})

	fmt.Printf("chravel-voice - trip %s\n", opt.trip)
	fmt.Println("Speak naturally; the concierge answers in voice.")
	fmt.Println("Commands: /t <text>, /i (interrupt), /stats, q (quit)")
	fmt.Println()

	if err := s.Start(ctx); err != nil {
		typed := core.AsError(err)
		if typed.Type == core.ErrBreakerOpen {
			fmt.Fprintln(os.Stderr, "voice is temporarily unavailable: too many recent connection failures")
			if m != nil {
				m.RecordSessionFailed(string(typed.Type))
				m.SetBreakerOpen(true)
			}
		} else {
			fmt.Fprintln(os.Stderr, "start session:", err)
		}
		return 1
	}
	startedAt := time.Now()
	if m != nil {
		m.RecordSessionStarted()
	}

	go func() {
		for {
			select {
			case ev := <-s.Events():
				printEvent(ev, opt.debug)
			case <-s.Done():
				for {
					select {
					case ev := <-s.Events():
						printEvent(ev, opt.debug)
					default:
						return
					}
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			_ = s.End()
			return waitForClose(s, m, startedAt)
		case <-s.Done():
			return waitForClose(s, m, startedAt)
		case line, ok := <-lines:
			if !ok {
				_ = s.End()
				return waitForClose(s, m, startedAt)
			}
			switch {
			case line == "":
			case strings.ToLower(line) == "q":
				_ = s.End()
				return waitForClose(s, m, startedAt)
			case strings.HasPrefix(line, "/t "):
				if err := s.SendText(strings.TrimPrefix(line, "/t ")); err != nil {
					fmt.Fprintln(os.Stderr, "send text:", err)
				}
			case line == "/i":
				if err := s.Interrupt(); err != nil {
					fmt.Fprintln(os.Stderr, "interrupt:", err)
				}
			case line == "/stats":
				d := s.Diagnostics()
				fmt.Printf("state=%s chunks_sent=%d frames_received=%d audio_bytes=%d tool_calls=%d\n",
					d.State, d.ChunksSent, d.FramesReceived, d.AudioBytesReceived, d.ToolCalls)
				fmt.Printf("first_chunk_ms=%d first_token_ms=%d first_audio_ms=%d cancel_ms=%d last_rms=%.3f\n",
					d.FirstChunkMS, d.FirstTokenMS, d.FirstAudioMS, d.CancelMS, d.LastRMS)
			default:
				fmt.Println("commands: /t <text>, /i, /stats, q")
			}
		}
	}
}

// sessionConfig layers the flags and config file onto the session defaults.
func sessionConfig(cfg *config.Config, opt options, logger *zap.Logger) live.Config {
	sc := live.DefaultConfig()
	sc.TripID = opt.trip
	sc.Voice = opt.voice
	if sc.Voice == "" {
		sc.Voice = cfg.Session.Voice
	}
	sc.Model = cfg.Session.Model
	sc.SystemInstruction = cfg.Session.SystemInstruction
	sc.StartTimeout = cfg.Session.GetStartTimeoutDuration()
	sc.SetupTimeout = cfg.Session.GetSetupTimeoutDuration()
	sc.ToolTimeout = cfg.Session.GetToolTimeoutDuration()
	sc.ExpiryWarning = cfg.Session.GetExpiryWarningDuration()
	sc.BargeIn = live.BargeInConfig{
		Enabled:         cfg.Session.BargeIn.Enabled,
		EnergyThreshold: cfg.Session.BargeIn.Threshold,
	}
	sc.Debug = opt.debug
	sc.Logger = logger
	sc.Tools = []wire.Tool{{
		FunctionDeclarations: []wire.FunctionDeclaration{{
			Name:        "local_time",
			Description: "Current local date and time on the traveler's device",
		}},
	}}
	return sc
}

// buildIssuer picks the grant source: the backend token endpoint when one is
// configured, a raw API key from the environment otherwise.
func buildIssuer(cfg *config.Config, logger *zap.Logger) (token.Issuer, error) {
	if cfg.Token.Endpoint != "" {
		authToken := strings.TrimSpace(os.Getenv("CHRAVEL_SESSION_TOKEN"))
		if authToken == "" {
			return nil, fmt.Errorf("CHRAVEL_SESSION_TOKEN is required when a token endpoint is configured")
		}
		return token.NewClient(cfg.Token.Endpoint, authToken, token.WithTimeout(cfg.Token.GetTimeoutDuration())), nil
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no token endpoint configured and no GEMINI_API_KEY in env")
	}
	logger.Warn("using raw API key auth; configure a token endpoint for production")
	return &staticIssuer{apiKey: apiKey}, nil
}

// staticIssuer grants a raw API key, for development without a token backend.
type staticIssuer struct {
	apiKey string
}

func (i *staticIssuer) Issue(ctx context.Context, req token.Request) (*token.Grant, error) {
	return &token.Grant{APIKey: i.apiKey}, nil
}

// connectHub dials the realtime endpoint and joins the trip's shared
// channels, wiring a few feeds into the terminal.
func connectHub(ctx context.Context, cfg *config.Config, tripID string, logger *zap.Logger, m *metrics.Metrics) (*hub.Client, *hub.Hub, error) {
	apiKey := strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY"))
	client, err := hub.Dial(ctx, cfg.Realtime.URL, apiKey,
		hub.WithClientLogger(logger),
		hub.WithHeartbeatInterval(cfg.Realtime.GetHeartbeatDuration()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("dial realtime: %w", err)
	}

	tripHub, err := hub.Acquire(ctx, tripID, client, hub.WithLogger(logger))
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("join trip channels: %w", err)
	}

	tripHub.Subscribe("chat_messages", hub.EventInsert, func(ev hub.ChangeEvent) {
		if m != nil {
			m.RecordHubEvent(ev.Table)
		}
		if text, ok := ev.Record["content"].(string); ok {
			fmt.Printf("[chat] %s\n", text)
		}
	})
	tripHub.Subscribe("trip_broadcasts", hub.EventInsert, func(ev hub.ChangeEvent) {
		if m != nil {
			m.RecordHubEvent(ev.Table)
		}
		if msg, ok := ev.Record["message"].(string); ok {
			fmt.Printf("[broadcast] %s\n", msg)
		}
	})
	tripHub.SubscribePresence(func(ev hub.PresenceEvent) {
		switch ev.Type {
		case hub.PresenceJoin:
			fmt.Printf("[presence] %s joined\n", ev.Key)
		case hub.PresenceLeave:
			fmt.Printf("[presence] %s left\n", ev.Key)
		}
	})

	userID := strings.TrimSpace(os.Getenv("CHRAVEL_USER_ID"))
	if userID == "" {
		userID = "voice-" + uuid.NewString()[:8]
	}
	if err := tripHub.TrackPresence(userID); err != nil {
		logger.Warn("presence track failed", zap.Error(err))
	}

	return client, tripHub, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

func archiveTurn(st *store.Store, m *metrics.Metrics, logger *zap.Logger, rec store.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.ArchiveTurn(ctx, rec); err != nil {
		logger.Warn("failed to archive turn", zap.Error(err))
		if m != nil {
			m.RecordArchiveFailure()
		}
		return
	}
	if m != nil {
		m.RecordTurnArchived()
	}
}

func printTurn(turn live.Turn) {
	if turn.User != "" {
		fmt.Printf("\n[you] %s\n", turn.User)
	}
	if turn.Assistant != "" {
		suffix := ""
		if turn.Reason == live.TurnReasonInterrupted {
			suffix = " (interrupted)"
		}
		fmt.Printf("[assistant] %s%s\n", turn.Assistant, suffix)
	}
}

func printEvent(ev live.Event, debug bool) {
	switch e := ev.(type) {
	case *live.SessionReadyEvent:
		fmt.Printf("connected: model=%s ephemeral=%v\n", e.Model, e.Ephemeral)
	case *live.InterruptedEvent:
		fmt.Printf("[interrupted: %s]\n", e.Source)
	case *live.ToolCallEvent:
		fmt.Printf("[tool] %s\n", e.Name)
	case *live.SessionClosedEvent:
		fmt.Printf("[session closed: %s]\n", e.Reason)
	case *live.StateChangedEvent:
		if debug {
			fmt.Printf("[state] %s -> %s\n", e.From, e.To)
		}
	case *live.UserTranscriptEvent:
		if debug {
			fmt.Printf("[you:delta] %s\n", e.Delta)
		}
	case *live.AssistantTranscriptEvent:
		if debug {
			fmt.Printf("[assistant:delta] %s\n", e.Delta)
		}
	case *live.DebugEvent:
		if debug {
			fmt.Fprintf(os.Stderr, "[debug] %s: %s\n", e.Category, e.Message)
		}
	}
}

// waitForClose blocks until the session has fully shut down and reports the
// exit code.
func waitForClose(s *live.Session, m *metrics.Metrics, startedAt time.Time) int {
	<-s.Done()
	if m != nil {
		m.RecordSessionClosed(time.Since(startedAt).Seconds())
		d := s.Diagnostics()
		if d.FirstAudioMS > 0 {
			m.RecordFirstAudio(float64(d.FirstAudioMS) / 1000)
		}
		m.RecordChunksSent(d.ChunksSent)
		m.RecordAudioReceived(int(d.AudioBytesReceived))
	}
	if s.State() == live.StateError {
		return 1
	}
	return 0
}
