package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"weathersync/internal/envelope"
)

// Hub is an in-process channel shared by any number of peers. Items are
// stored encoded, exactly as they would travel over the broker, and every
// delivery runs on its own goroutine so ordering is not guaranteed.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	items map[string][]byte
	peers []*Peer
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		items:  make(map[string][]byte),
	}
}

// Peer returns a new, disconnected endpoint on the hub.
func (h *Hub) Peer(name string) *Peer {
	p := &Peer{
		hub:  h,
		name: name,
		subs: make(map[string][]Handler),
	}
	h.mu.Lock()
	h.peers = append(h.peers, p)
	h.mu.Unlock()
	return p
}

// Item returns the current encoded item stored under path.
func (h *Hub) Item(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.items[path]
	return b, ok
}

func (h *Hub) publish(path string, payload []byte) {
	h.mu.Lock()
	if payload == nil {
		delete(h.items, path)
	} else {
		h.items[path] = payload
	}
	peers := append([]*Peer(nil), h.peers...)
	h.mu.Unlock()

	for _, p := range peers {
		for _, handler := range p.handlers(path) {
			go h.deliver(path, payload, handler, false)
		}
	}
}

// replay hands the stored item for path, if any, to a new subscription the
// way a broker replays retained messages.
func (h *Hub) replay(path string, handler Handler) {
	payload, ok := h.Item(path)
	if !ok {
		return
	}
	go h.deliver(path, payload, handler, true)
}

func (h *Hub) deliver(path string, payload []byte, handler Handler, retained bool) {
	if payload == nil {
		handler(Event{Path: path, Type: ChangeDeleted, Retained: retained})
		return
	}
	env, err := envelope.Unmarshal(payload)
	if err != nil {
		h.logger.Warn("dropping undecodable item", "path", path, "error", err)
		return
	}
	handler(Event{Path: path, Type: ChangeChanged, Envelope: env, Retained: retained})
}

// Peer is one endpoint of a Hub. It implements Transport.
type Peer struct {
	hub  *Hub
	name string

	mu        sync.RWMutex
	connected bool
	subs      map[string][]Handler
}

// Connect attaches the peer. Stored items on already subscribed paths are
// replayed as retained events.
func (p *Peer) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	was := p.connected
	p.connected = true
	subs := make(map[string][]Handler, len(p.subs))
	for path, hs := range p.subs {
		subs[path] = append([]Handler(nil), hs...)
	}
	p.mu.Unlock()

	if was {
		return nil
	}
	for path, hs := range subs {
		for _, h := range hs {
			p.hub.replay(path, h)
		}
	}
	return nil
}

func (p *Peer) Put(ctx context.Context, path string, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsConnected() {
		return fmt.Errorf("%w: peer %s not connected", ErrTransportUnavailable, p.name)
	}
	b, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	p.hub.publish(path, b)
	return nil
}

func (p *Peer) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.IsConnected() {
		return fmt.Errorf("%w: peer %s not connected", ErrTransportUnavailable, p.name)
	}
	p.hub.publish(path, nil)
	return nil
}

func (p *Peer) Subscribe(path string, h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe %s: nil handler", path)
	}
	p.mu.Lock()
	p.subs[path] = append(p.subs[path], h)
	connected := p.connected
	p.mu.Unlock()

	if connected {
		p.hub.replay(path, h)
	}
	return nil
}

func (p *Peer) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Disconnect detaches the peer: no further deliveries and puts fail until the
// next Connect. Subscriptions are dropped.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.subs = make(map[string][]Handler)
	p.mu.Unlock()
}

func (p *Peer) handlers(path string) []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil
	}
	return append([]Handler(nil), p.subs[path]...)
}
