// Package live implements the real-time voice conversation core for Chravel.
//
// A Session owns the full client side of one voice call: microphone capture,
// the websocket to the Gemini Live relay, model audio playback, and the turn
// transcript. Tool calls from the model are dispatched to caller-registered
// handlers and answered in a single joined response frame.
//
// # Data Flow
//
//	Mic frames → Capture (downsample, PCM16, base64) → realtimeInput frames
//	serverContent frames → playback queue (24kHz) + transcript accumulators
//
// # State Machine
//
// The session progresses through these states:
//
//	idle → requesting_mic → ready → listening ⇄ sending → playing
//	                                    ↑                    │
//	                                    └── interrupted ←────┘
//
// Interruption happens two ways: locally, when mic RMS crosses the barge-in
// threshold while the model is speaking, and remotely, when the server
// reports it. Either way queued playback is flushed and the partial turn is
// delivered once. A normal turn completion never flushes playback.
//
// # Usage
//
//	cfg := live.DefaultConfig()
//	cfg.TripID = "trip-42"
//	session := live.NewSession(cfg, tokens, mic, speaker)
//	session.SetHandlers(live.Handlers{
//	    OnTurn: func(turn live.Turn) {
//	        fmt.Printf("user: %s\nmodel: %s\n", turn.User, turn.Assistant)
//	    },
//	    Tools: map[string]live.ToolHandler{
//	        "get_trip_dates": getTripDates,
//	    },
//	})
//	if err := session.Start(ctx); err != nil {
//	    return err
//	}
//	defer session.End()
//
//	for {
//	    select {
//	    case ev := <-session.Events():
//	        handle(ev)
//	    case <-session.Done():
//	        return nil
//	    }
//	}
package live
