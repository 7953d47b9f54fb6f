package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chravel/chravel-live/pkg/transport"
)

// ErrClientClosed is returned when an operation hits a closed realtime
// client.
var ErrClientClosed = errors.New("hub: realtime client closed")

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultJoinTimeout       = 10 * time.Second

	// topicPrefix namespaces channel topics the way the realtime backend
	// expects them on the wire.
	topicPrefix  = "realtime:"
	controlTopic = "phoenix"
)

// phoenixFrame is the wire envelope: every message in either direction is a
// (topic, event, payload, ref) tuple.
type phoenixFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type phoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Client is a phoenix-protocol websocket realtime client. One Client
// multiplexes any number of channels over a single socket and satisfies
// RealtimeClient for hubs.
type Client struct {
	logger      *zap.Logger
	joinTimeout time.Duration
	heartbeat   time.Duration

	conn *transport.Conn

	mu       sync.Mutex
	channels map[string]*channelState
	pending  map[string]chan phoenixReply
}

var _ RealtimeClient = (*Client)(nil)

type channelState struct {
	changes  ChangeFunc
	presence PresenceFunc

	presMu sync.Mutex
	state  map[string][]map[string]any
}

// ClientOption configures a Client at dial time.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJoinTimeout bounds how long channel joins wait for a reply.
func WithJoinTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.joinTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the keepalive cadence.
func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// Dial connects to a realtime endpoint and starts the read and heartbeat
// loops. The api key is appended to the socket URL as the backend expects.
func Dial(ctx context.Context, endpoint, apiKey string, opts ...ClientOption) (*Client, error) {
	wsURL, err := realtimeURL(endpoint, apiKey)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("hub: realtime dial: %w", err)
	}

	c := &Client{
		logger:      zap.NewNop(),
		joinTimeout: defaultJoinTimeout,
		heartbeat:   defaultHeartbeatInterval,
		conn:        conn,
		channels:    make(map[string]*channelState),
		pending:     make(map[string]chan phoenixReply),
	}
	for _, opt := range opts {
		opt(c)
	}

	go conn.ReadLoop(c.onFrame)
	go c.heartbeatLoop()
	return c, nil
}

func realtimeURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("hub: invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Close tears down the socket. All channels implicitly leave with it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Done closes when the underlying socket is gone.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// JoinChanges opens a channel subscribed to the given table bindings and
// delivers change events to fn.
func (c *Client) JoinChanges(ctx context.Context, channel string, bindings []TableBinding, fn ChangeFunc) error {
	config := map[string]any{"config": map[string]any{
		"broadcast":        map[string]any{"self": false},
		"presence":         map[string]any{"key": ""},
		"postgres_changes": changesConfig(bindings),
	}}
	return c.join(ctx, channel, config, &channelState{changes: fn})
}

// JoinPresence opens a presence channel and delivers presence events to fn.
func (c *Client) JoinPresence(ctx context.Context, channel string, fn PresenceFunc) error {
	config := map[string]any{"config": map[string]any{
		"broadcast":        map[string]any{"self": false},
		"presence":         map[string]any{"key": ""},
		"postgres_changes": []map[string]any{},
	}}
	return c.join(ctx, channel, config, &channelState{
		presence: fn,
		state:    make(map[string][]map[string]any),
	})
}

func changesConfig(bindings []TableBinding) []map[string]any {
	out := make([]map[string]any, 0, len(bindings))
	for _, b := range bindings {
		entry := map[string]any{"event": "*", "schema": "public", "table": b.Table}
		if b.Filter != "" {
			entry["filter"] = b.Filter
		}
		out = append(out, entry)
	}
	return out
}

func (c *Client) join(ctx context.Context, channel string, payload map[string]any, st *channelState) error {
	topic := topicPrefix + channel

	c.mu.Lock()
	if c.conn.Closed() {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if _, exists := c.channels[topic]; exists {
		c.mu.Unlock()
		return fmt.Errorf("hub: channel %s already joined", channel)
	}
	c.channels[topic] = st
	c.mu.Unlock()

	reply, err := c.request(ctx, topic, "phx_join", payload)
	if err != nil {
		c.dropChannel(topic)
		return fmt.Errorf("hub: join %s: %w", channel, err)
	}
	if reply.Status != "ok" {
		c.dropChannel(topic)
		return fmt.Errorf("hub: join %s rejected: %s", channel, reply.Status)
	}
	return nil
}

// Leave closes one channel. Leaving a channel that is not joined is a
// no-op.
func (c *Client) Leave(channel string) error {
	topic := topicPrefix + channel

	c.mu.Lock()
	_, joined := c.channels[topic]
	delete(c.channels, topic)
	c.mu.Unlock()
	if !joined {
		return nil
	}

	return c.push(topic, "phx_leave", map[string]any{})
}

// Track announces this client's presence payload on a joined presence
// channel.
func (c *Client) Track(channel string, payload map[string]any) error {
	topic := topicPrefix + channel
	if c.channelState(topic) == nil {
		return fmt.Errorf("hub: channel %s not joined", channel)
	}
	return c.push(topic, "presence", map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": payload,
	})
}

// PresenceState returns the last synced presence set for a channel, keyed
// by presence key.
func (c *Client) PresenceState(channel string) map[string][]map[string]any {
	st := c.channelState(topicPrefix + channel)
	if st == nil {
		return map[string][]map[string]any{}
	}
	return st.snapshot()
}

func (c *Client) channelState(topic string) *channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

func (c *Client) dropChannel(topic string) {
	c.mu.Lock()
	delete(c.channels, topic)
	c.mu.Unlock()
}

func (c *Client) push(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hub: encode %s: %w", event, err)
	}
	return c.conn.WriteJSON(phoenixFrame{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     uuid.NewString(),
	})
}

// request pushes an event and waits for the matching phx_reply.
func (c *Client) request(ctx context.Context, topic, event string, payload any) (*phoenixReply, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}

	ref := uuid.NewString()
	replyCh := make(chan phoenixReply, 1)
	c.mu.Lock()
	c.pending[ref] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	err = c.conn.WriteJSON(phoenixFrame{Topic: topic, Event: event, Payload: raw, Ref: ref})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return &reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no reply within %s", c.joinTimeout)
	case <-c.conn.Done():
		return nil, ErrClientClosed
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.conn.Done():
			return
		case <-ticker.C:
			if err := c.push(controlTopic, "heartbeat", map[string]any{}); err != nil {
				if !c.conn.Closed() {
					c.logger.Warn("realtime heartbeat failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *Client) onFrame(data []byte) {
	var frame phoenixFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("dropping malformed realtime frame", zap.Error(err))
		return
	}

	switch frame.Event {
	case "phx_reply":
		c.onReply(frame)
	case "postgres_changes":
		c.onChanges(frame)
	case "presence_state":
		c.onPresenceState(frame)
	case "presence_diff":
		c.onPresenceDiff(frame)
	case "phx_error":
		c.logger.Warn("realtime channel errored", zap.String("topic", frame.Topic))
	case "phx_close":
		c.dropChannel(frame.Topic)
	case "system":
		c.logger.Debug("realtime system message", zap.String("topic", frame.Topic))
	}
}

func (c *Client) onReply(frame phoenixFrame) {
	var reply phoenixReply
	if err := json.Unmarshal(frame.Payload, &reply); err != nil {
		c.logger.Warn("dropping malformed reply", zap.String("topic", frame.Topic), zap.Error(err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[frame.Ref]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- reply:
		default:
		}
	}
}

type changePayload struct {
	Data struct {
		Type      string         `json:"type"`
		Table     string         `json:"table"`
		Record    map[string]any `json:"record"`
		OldRecord map[string]any `json:"old_record"`
	} `json:"data"`
}

func (c *Client) onChanges(frame phoenixFrame) {
	st := c.channelState(frame.Topic)
	if st == nil || st.changes == nil {
		return
	}
	var p changePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		c.logger.Warn("dropping malformed change event", zap.String("topic", frame.Topic), zap.Error(err))
		return
	}
	st.changes(ChangeEvent{
		Table:     p.Data.Table,
		Type:      p.Data.Type,
		Record:    p.Data.Record,
		OldRecord: p.Data.OldRecord,
	})
}

type presenceMetas struct {
	Metas []map[string]any `json:"metas"`
}

func (c *Client) onPresenceState(frame phoenixFrame) {
	st := c.channelState(frame.Topic)
	if st == nil || st.presence == nil {
		return
	}
	var state map[string]presenceMetas
	if err := json.Unmarshal(frame.Payload, &state); err != nil {
		c.logger.Warn("dropping malformed presence state", zap.String("topic", frame.Topic), zap.Error(err))
		return
	}
	next := make(map[string][]map[string]any, len(state))
	for key, entry := range state {
		next[key] = entry.Metas
	}
	st.replaceState(next)
	st.presence(PresenceEvent{Type: PresenceSync})
}

func (c *Client) onPresenceDiff(frame phoenixFrame) {
	st := c.channelState(frame.Topic)
	if st == nil || st.presence == nil {
		return
	}
	var diff struct {
		Joins  map[string]presenceMetas `json:"joins"`
		Leaves map[string]presenceMetas `json:"leaves"`
	}
	if err := json.Unmarshal(frame.Payload, &diff); err != nil {
		c.logger.Warn("dropping malformed presence diff", zap.String("topic", frame.Topic), zap.Error(err))
		return
	}
	for key, entry := range diff.Joins {
		st.setKey(key, entry.Metas)
		st.presence(PresenceEvent{Type: PresenceJoin, Key: key, Metas: entry.Metas})
	}
	for key, entry := range diff.Leaves {
		st.deleteKey(key)
		st.presence(PresenceEvent{Type: PresenceLeave, Key: key, Metas: entry.Metas})
	}
	st.presence(PresenceEvent{Type: PresenceSync})
}

func (st *channelState) replaceState(next map[string][]map[string]any) {
	st.presMu.Lock()
	st.state = next
	st.presMu.Unlock()
}

func (st *channelState) setKey(key string, metas []map[string]any) {
	st.presMu.Lock()
	if st.state == nil {
		st.state = make(map[string][]map[string]any)
	}
	st.state[key] = metas
	st.presMu.Unlock()
}

func (st *channelState) deleteKey(key string) {
	st.presMu.Lock()
	delete(st.state, key)
	st.presMu.Unlock()
}

func (st *channelState) snapshot() map[string][]map[string]any {
	st.presMu.Lock()
	defer st.presMu.Unlock()
	out := make(map[string][]map[string]any, len(st.state))
	for key, metas := range st.state {
		out[key] = metas
	}
	return out
}
