// Package hub multiplexes a trip's realtime traffic over three shared
// channels instead of one channel per feature.
//
// A Hub is a per-trip singleton obtained from Acquire and released with
// Release. Channels are joined when the first consumer acquires the hub and
// left when the last consumer releases it; in between, any number of
// subscribers share the same three channels. Feature code registers
// callbacks with Subscribe and SubscribePresence and never touches the
// underlying channels.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Change event types as delivered by the backend.
const (
	EventAll    = "*"
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Presence event types.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
	PresenceSync  = "sync"
)

// ChangeEvent is one database change delivered to subscribers.
type ChangeEvent struct {
	Table  string
	Type   string
	Record map[string]any
	// OldRecord carries the previous row for updates and deletes, when the
	// backend replicates it.
	OldRecord map[string]any
}

// PresenceEvent reports presence movement on the trip. Join and leave name
// the moved key; sync signals that the full state settled.
type PresenceEvent struct {
	Type  string
	Key   string
	Metas []map[string]any
}

// ChangeFunc receives change events for a subscribed table.
type ChangeFunc func(ChangeEvent)

// PresenceFunc receives presence events for the trip.
type PresenceFunc func(PresenceEvent)

// TableBinding is one server-side filtered table subscription on a channel.
// An empty Filter subscribes to all rows; filtering then happens upstream of
// the replication feed.
type TableBinding struct {
	Table  string
	Filter string
}

// RealtimeClient is the pub/sub transport hubs multiplex over. One client
// can carry the channels of many hubs; hubs never close the client.
type RealtimeClient interface {
	JoinChanges(ctx context.Context, channel string, bindings []TableBinding, fn ChangeFunc) error
	JoinPresence(ctx context.Context, channel string, fn PresenceFunc) error
	Track(channel string, payload map[string]any) error
	PresenceState(channel string) map[string][]map[string]any
	Leave(channel string) error
}

const (
	kindData     = "data"
	kindChat     = "chat"
	kindPresence = "presence"
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Hub)
)

// Hub fans one trip's realtime events out to many subscribers over exactly
// three channels: data tables, chat tables, and presence.
type Hub struct {
	tripID string
	client RealtimeClient
	logger *zap.Logger

	// connectMu serializes channel joins and leaves so a teardown never
	// interleaves with a connect for the same hub.
	connectMu sync.Mutex

	mu        sync.Mutex
	refs      int
	connected bool
	subs      map[string][]*subscription
	psubs     []*presenceSub
}

type subscription struct {
	table string
	event string
	fn    ChangeFunc
}

type presenceSub struct {
	fn PresenceFunc
}

// Option configures a Hub at creation.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Acquire returns the hub for tripID, creating it and joining its channels
// on first use. At most one hub exists per trip id; later acquirers share
// the first one and the client argument is ignored for them. Every
// successful Acquire must be paired with exactly one Release.
func Acquire(ctx context.Context, tripID string, client RealtimeClient, opts ...Option) (*Hub, error) {
	if tripID == "" {
		return nil, fmt.Errorf("hub: empty trip id")
	}
	if client == nil {
		return nil, fmt.Errorf("hub: nil realtime client")
	}

	registryMu.Lock()
	h, ok := registry[tripID]
	if !ok {
		h = &Hub{
			tripID: tripID,
			client: client,
			logger: zap.NewNop(),
			subs:   make(map[string][]*subscription),
		}
		for _, opt := range opts {
			opt(h)
		}
		registry[tripID] = h
	}
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
	registryMu.Unlock()

	if err := h.connect(ctx); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

// Release drops one consumer reference. The channels are left and the hub
// removed from the registry only when the last reference goes.
func (h *Hub) Release() {
	registryMu.Lock()
	defer registryMu.Unlock()

	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		return
	}
	h.refs--
	last := h.refs == 0
	h.mu.Unlock()
	if !last {
		return
	}

	if registry[h.tripID] == h {
		delete(registry, h.tripID)
	}
	// Leaving under the registry lock keeps a concurrent Acquire for the same
	// trip from joining the channels before the old hub has left them.
	h.teardown()
}

// TripID returns the trip this hub serves.
func (h *Hub) TripID() string { return h.tripID }

// Refs returns the current number of consumers.
func (h *Hub) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Connected reports whether the hub's channels are joined.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Subscribe registers fn for change events on table. Event is one of
// EventAll, EventInsert, EventUpdate or EventDelete; empty means EventAll.
// The returned closure removes the registration and is the only removal
// mechanism. Subscribing is independent of the hub's channel topology:
// a table outside the multiplexed set simply never fires.
func (h *Hub) Subscribe(table, event string, fn ChangeFunc) (unsubscribe func()) {
	if event == "" {
		event = EventAll
	}
	sub := &subscription{table: table, event: event, fn: fn}

	h.mu.Lock()
	h.subs[table] = append(h.subs[table], sub)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[table]
		for i, s := range list {
			if s == sub {
				h.subs[table] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(h.subs[table]) == 0 {
			delete(h.subs, table)
		}
	}
}

// SubscribePresence registers fn for presence events. The returned closure
// removes the registration.
func (h *Hub) SubscribePresence(fn PresenceFunc) (unsubscribe func()) {
	sub := &presenceSub{fn: fn}

	h.mu.Lock()
	h.psubs = append(h.psubs, sub)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.psubs {
			if s == sub {
				h.psubs = append(h.psubs[:i], h.psubs[i+1:]...)
				break
			}
		}
	}
}

// TrackPresence announces this client as online on the trip's presence
// channel.
func (h *Hub) TrackPresence(userID string) error {
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return fmt.Errorf("hub: trip %s not connected", h.tripID)
	}
	return h.client.Track(h.channel(kindPresence), map[string]any{
		"user_id":   userID,
		"online_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// PresenceState returns the last known presence set for the trip, keyed by
// presence key.
func (h *Hub) PresenceState() map[string][]map[string]any {
	return h.client.PresenceState(h.channel(kindPresence))
}

func (h *Hub) channel(kind string) string {
	return "trip:" + h.tripID + ":" + kind
}

func (h *Hub) connect(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if connected {
		return nil
	}

	if err := h.client.JoinChanges(ctx, h.channel(kindData), dataBindings(h.tripID), h.dispatch); err != nil {
		return fmt.Errorf("hub: data channel: %w", err)
	}
	if err := h.client.JoinChanges(ctx, h.channel(kindChat), chatBindings(h.tripID), h.dispatch); err != nil {
		_ = h.client.Leave(h.channel(kindData))
		return fmt.Errorf("hub: chat channel: %w", err)
	}
	if err := h.client.JoinPresence(ctx, h.channel(kindPresence), h.dispatchPresence); err != nil {
		_ = h.client.Leave(h.channel(kindData))
		_ = h.client.Leave(h.channel(kindChat))
		return fmt.Errorf("hub: presence channel: %w", err)
	}

	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()

	h.logger.Info("trip realtime hub connected", zap.String("trip_id", h.tripID))
	return nil
}

func (h *Hub) teardown() {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	connected := h.connected
	h.connected = false
	h.mu.Unlock()
	if !connected {
		return
	}

	for _, kind := range []string{kindData, kindChat, kindPresence} {
		if err := h.client.Leave(h.channel(kind)); err != nil {
			h.logger.Warn("leaving realtime channel failed",
				zap.String("channel", h.channel(kind)), zap.Error(err))
		}
	}
	h.logger.Info("trip realtime hub closed", zap.String("trip_id", h.tripID))
}

func (h *Hub) dispatch(ev ChangeEvent) {
	h.mu.Lock()
	subs := append([]*subscription(nil), h.subs[ev.Table]...)
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.event != EventAll && sub.event != ev.Type {
			continue
		}
		h.deliver(sub.fn, ev)
	}
}

func (h *Hub) dispatchPresence(ev PresenceEvent) {
	h.mu.Lock()
	subs := append([]*presenceSub(nil), h.psubs...)
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliverPresence(sub.fn, ev)
	}
}

// deliver runs one subscriber callback. A panic is contained and logged so
// one bad subscriber cannot break fan-out to the rest.
func (h *Hub) deliver(fn ChangeFunc, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("realtime subscriber panicked",
				zap.String("trip_id", h.tripID),
				zap.String("table", ev.Table),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

func (h *Hub) deliverPresence(fn PresenceFunc, ev PresenceEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("presence subscriber panicked",
				zap.String("trip_id", h.tripID),
				zap.String("event", ev.Type),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// dataBindings lists the data channel's tables. Tables carrying a trip_id
// column are filtered server-side; payment_splits rides the payment message
// foreign key and arrives unfiltered.
func dataBindings(tripID string) []TableBinding {
	filter := "trip_id=eq." + tripID
	return []TableBinding{
		{Table: "trip_members", Filter: filter},
		{Table: "trip_events", Filter: filter},
		{Table: "trip_tasks", Filter: filter},
		{Table: "trip_polls", Filter: filter},
		{Table: "payment_messages", Filter: filter},
		{Table: "payment_splits"},
		{Table: "trip_media", Filter: filter},
		{Table: "trip_broadcasts", Filter: filter},
		{Table: "trip_basecamps", Filter: filter},
	}
}

// chatBindings lists the chat channel's tables. Reactions and read receipts
// have no trip column; their filtering rides the message foreign key
// upstream.
func chatBindings(tripID string) []TableBinding {
	return []TableBinding{
		{Table: "chat_messages", Filter: "trip_id=eq." + tripID},
		{Table: "chat_reactions"},
		{Table: "chat_read_receipts"},
	}
}
