// Package main is chravel-tokend, a development token backend for voice
// sessions. It mints single-use ephemeral Live API tokens so clients never
// hold the raw Gemini key, and locks the session configuration to the trip
// at mint time.
//
// Usage:
//
//	chravel-tokend -addr :8787
//
// Environment variables:
//
//	GEMINI_API_KEY        - key used to mint ephemeral tokens; required
//	CHRAVEL_SESSION_TOKEN - shared bearer secret; unauthenticated when unset
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/chravel/chravel-live/internal/logging"
	"github.com/chravel/chravel-live/pkg/token"
	"github.com/chravel/chravel-live/pkg/wire"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = godotenv.Load()

	var (
		addr  = flag.String("addr", ":8787", "Listen address")
		model = flag.String("model", wire.DefaultModel, "Model the minted tokens are locked to")
		voice = flag.String("voice", "Puck", "Default prebuilt voice")
		ttl   = flag.Duration("ttl", 30*time.Minute, "Token lifetime")
	)
	flag.Parse()

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("GOOGLE_API_KEY"))
	}
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "GEMINI_API_KEY is required")
		return 2
	}

	logger := logging.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "genai client:", err)
		return 1
	}

	srv := &server{
		logger: logger,
		client: client,
		secret: strings.TrimSpace(os.Getenv("CHRAVEL_SESSION_TOKEN")),
		model:  *model,
		voice:  *voice,
		ttl:    *ttl,
	}
	if srv.secret == "" {
		logger.Warn("CHRAVEL_SESSION_TOKEN not set; issuing tokens without auth")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/voice/token", srv.handleToken)
	mux.HandleFunc("/healthz", srv.handleHealth)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("token backend listening",
			zap.String("addr", *addr),
			zap.String("model", *model))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "serve:", err)
			return 1
		}
		return 0
	}
}

type server struct {
	logger *zap.Logger
	client *genai.Client
	secret string
	model  string
	voice  string
	ttl    time.Duration
}

// handleToken mints one grant per request. The tripId scopes the system
// instruction; the voice is the caller's choice or the server default.
func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.secret != "" {
		bearer := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if bearer != s.secret {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
	}

	var req token.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.TripID) == "" {
		writeError(w, http.StatusBadRequest, "tripId is required")
		return
	}

	voice := req.Voice
	if voice == "" {
		voice = s.voice
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	expireTime := time.Now().Add(s.ttl)
	tok, err := s.client.AuthTokens.Create(ctx, &genai.CreateAuthTokenConfig{
		Uses:                 genai.Ptr[int32](1),
		ExpireTime:           expireTime,
		NewSessionExpireTime: time.Now().Add(time.Minute),
		LiveConnectConstraints: &genai.LiveConnectConstraints{
			Model: s.model,
			Config: &genai.LiveConnectConfig{
				ResponseModalities: []genai.Modality{genai.ModalityAudio},
				SpeechConfig: &genai.SpeechConfig{
					VoiceConfig: &genai.VoiceConfig{
						PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
					},
				},
				SystemInstruction:        genai.NewContentFromText(systemInstruction(req.TripID), genai.RoleUser),
				InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
				OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
			},
		},
	})
	if err != nil {
		s.logger.Error("mint token failed", zap.String("trip_id", req.TripID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "token mint failed")
		return
	}

	s.logger.Info("token minted",
		zap.String("trip_id", req.TripID),
		zap.String("voice", voice),
		zap.Time("expires", expireTime))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(token.Grant{
		AccessToken: tok.Name,
		Model:       s.model,
		Voice:       voice,
		ExpireTime:  expireTime,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// systemInstruction scopes the concierge to one trip. The token locks it in
// at mint time, so the client cannot widen it later.
func systemInstruction(tripID string) string {
	return fmt.Sprintf("You are the Chravel concierge for trip %s. "+
		"Keep replies short and conversational; this is a live voice channel. "+
		"Use the trip's shared plans when suggesting times and places.", tripID)
}
