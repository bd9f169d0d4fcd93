package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/multiplex"
)

// Notifier delivers change events from writers to subscribers.
type Notifier interface {
	Publish(ctx context.Context, e multiplex.Event) error
	// Subscribe registers fn for events of one kind in one project.
	Subscribe(kind multiplex.Kind, projectID string, fn func(multiplex.Event)) (cancel func(), err error)
	Close() error
}

// Source returns the change feed of one kind as a multiplex.Source.
func Source(n Notifier, kind multiplex.Kind) multiplex.Source {
	return multiplex.SourceFunc(func(projectID string, fn func(multiplex.Event)) (func(), error) {
		return n.Subscribe(kind, projectID, fn)
	})
}

type hubSub struct {
	kind      multiplex.Kind
	projectID string
	fn        func(multiplex.Event)
}

// Hub is the in-process Notifier. Publish delivers synchronously to every
// matching subscriber, including the writer's own subscriptions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]hubSub
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]hubSub)}
}

// Publish implements Notifier.
func (h *Hub) Publish(ctx context.Context, e multiplex.Event) error {
	h.deliver(e)
	return nil
}

func (h *Hub) deliver(e multiplex.Event) {
	h.mu.RLock()
	var targets []func(multiplex.Event)
	for _, s := range h.subs {
		if s.kind == e.Type && s.projectID == e.ProjectID {
			targets = append(targets, s.fn)
		}
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}

// Subscribe implements Notifier.
func (h *Hub) Subscribe(kind multiplex.Kind, projectID string, fn func(multiplex.Event)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = hubSub{kind: kind, projectID: projectID, fn: fn}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close implements Notifier.
func (h *Hub) Close() error {
	return nil
}

// RedisNotifier publishes events on a Redis channel so that several
// processes sharing one database see each other's writes. Received events
// are fanned out to local subscribers through a Hub; a process sees its own
// writes when they come back from Redis.
type RedisNotifier struct {
	log     *logging.Logger
	rdb     *goredis.Client
	channel string
	hub     *Hub
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisNotifier connects to addr, subscribes to channel, and starts the
// forwarder goroutine.
func NewRedisNotifier(ctx context.Context, addr, channel string, log *logging.Logger) (*RedisNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "mindsync"
	}
	log = logging.OrNop(log).Named("redis")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	fwdCtx, cancel := context.WithCancel(context.Background())
	sub := rdb.Subscribe(fwdCtx, channel)
	if _, err := sub.Receive(pingCtx); err != nil {
		cancel()
		_ = sub.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	n := &RedisNotifier{
		log:     log,
		rdb:     rdb,
		channel: channel,
		hub:     NewHub(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.forward(fwdCtx, sub)

	return n, nil
}

func (n *RedisNotifier) forward(ctx context.Context, sub *goredis.PubSub) {
	defer close(n.done)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok || m == nil {
				return
			}
			var e multiplex.Event
			if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
				n.log.Warn("bad redis change payload", "error", err)
				continue
			}
			n.hub.deliver(e)
		}
	}
}

// Publish implements Notifier.
func (n *RedisNotifier) Publish(ctx context.Context, e multiplex.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	return n.rdb.Publish(ctx, n.channel, raw).Err()
}

// Subscribe implements Notifier.
func (n *RedisNotifier) Subscribe(kind multiplex.Kind, projectID string, fn func(multiplex.Event)) (func(), error) {
	return n.hub.Subscribe(kind, projectID, fn)
}

// Close stops the forwarder and closes the client.
func (n *RedisNotifier) Close() error {
	n.cancel()
	<-n.done
	return n.rdb.Close()
}

// NewNotifier builds the notifier named by backend ("local" or "redis").
func NewNotifier(ctx context.Context, backend, redisAddr, channel string, log *logging.Logger) (Notifier, error) {
	switch backend {
	case "", "local":
		return NewHub(), nil
	case "redis":
		return NewRedisNotifier(ctx, redisAddr, channel, log)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", backend)
	}
}
