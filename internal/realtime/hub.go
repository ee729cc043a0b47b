package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	sendBuffer = 256

	topicPrefix = "livepoll:"
)

// TeacherChannel is the channel joined by a teacher and all of their students.
func TeacherChannel(teacherID string) string { return "poll-" + teacherID }

// StudentChannel is a student's private channel, keyed by session id.
func StudentChannel(sessionID string) string { return "student-" + sessionID }

// redisTopic is the Redis pub/sub topic carrying a hub channel.
func redisTopic(channel string) string { return topicPrefix + channel }

// Bridge relays channel events between server instances.
type Bridge interface {
	Publish(topic, event string, payload []byte) error
	Subscribe(topic string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains channel -> set of connections and broadcasts messages.
// With a bridge configured, publishes go through Redis and the topic
// subscription performs the local delivery, so every instance (including
// this one) delivers each event once and in channel order. Channels whose
// subscription is missing are served locally until a later join restores it.
type Hub struct {
	// channel -> map[clientID]*Client
	channels map[string]map[string]*Client
	subs     map[string]func() // cancel bridge subscription per channel
	pending  map[string]bool   // bridge subscription in flight
	mu       sync.RWMutex
	logger   *zap.Logger
	bridge   Bridge
}

// NewHub creates a new WebSocket hub. bridge may be nil for a single instance.
func NewHub(logger *zap.Logger, bridge Bridge) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channels: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		pending:  make(map[string]bool),
		logger:   logger,
		bridge:   bridge,
	}
}

// Subscribe adds a client to a channel and bridges the channel if it is not bridged yet.
func (h *Hub) Subscribe(c *Client, channel string) {
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*Client)
	}
	h.channels[channel][c.ID] = c
	needBridge := h.bridge != nil && h.subs[channel] == nil && !h.pending[channel]
	if needBridge {
		h.pending[channel] = true
	}
	h.mu.Unlock()

	c.addChannel(channel)
	if needBridge {
		h.bridgeChannel(channel)
	}
	h.logger.Debug("client subscribed", zap.String("client_id", c.ID), zap.String("channel", channel))
}

// bridgeChannel subscribes to the channel's topic outside the hub lock.
func (h *Hub) bridgeChannel(channel string) {
	cancel, err := h.bridge.Subscribe(redisTopic(channel), func(event string, payload []byte) {
		h.deliver(channel, WSMessage{Event: event, Data: payload})
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, channel)
	if err != nil {
		h.logger.Warn("redis subscribe failed, serving channel locally", zap.String("channel", channel), zap.Error(err))
		return
	}
	if len(h.channels[channel]) == 0 {
		cancel()
		return
	}
	h.subs[channel] = cancel
}

// Unsubscribe removes a client from one channel.
func (h *Hub) Unsubscribe(c *Client, channel string) {
	c.removeChannel(channel)
	h.mu.Lock()
	h.leaveLocked(c, channel)
	h.mu.Unlock()
}

// Unregister removes a client from every channel it joined.
func (h *Hub) Unregister(c *Client) {
	joined := c.joinedChannels()
	h.mu.Lock()
	for _, channel := range joined {
		h.leaveLocked(c, channel)
	}
	h.mu.Unlock()
	h.logger.Debug("client left", zap.String("client_id", c.ID), zap.Int("channels", len(joined)))
}

// leaveLocked drops c from channel and cancels the bridge subscription of an emptied channel.
func (h *Hub) leaveLocked(c *Client, channel string) {
	m, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) > 0 {
		return
	}
	delete(h.channels, channel)
	if cancel, ok := h.subs[channel]; ok {
		cancel()
		delete(h.subs, channel)
	}
}

// Publish fans an event out to every member of channel, through Redis when configured.
func (h *Hub) Publish(channel, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}
	if h.bridge == nil {
		h.deliver(channel, msg)
		return
	}
	if err := h.bridge.Publish(redisTopic(channel), event, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("channel", channel), zap.Error(err))
		h.deliver(channel, msg)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, bridged := h.subs[channel]; !bridged {
		h.deliverLocked(channel, msg)
	}
}

// SubscriberCount returns the number of local connections in a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Bridged reports whether channel currently has a live bridge subscription.
func (h *Hub) Bridged(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[channel]
	return ok
}

// deliver pushes msg onto each member's send buffer without blocking.
func (h *Hub) deliver(channel string, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliverLocked(channel, msg)
}

func (h *Hub) deliverLocked(channel string, msg WSMessage) {
	for _, c := range h.channels[channel] {
		if !c.enqueue(msg) {
			h.logger.Warn("client send buffer full, dropping event",
				zap.String("client_id", c.ID), zap.String("event", msg.Event))
		}
	}
}
