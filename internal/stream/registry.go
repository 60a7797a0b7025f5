package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/observability"
)

// BarFunc receives a bar update for one subscription. The action reports
// whether the bar replaced the previous one in place or opened a new bucket.
type BarFunc func(bar domain.Candle, action candles.Action)

// handler is one subscription: its own aggregator, so subscribers on the
// same channel can run different resolutions against the same tick stream.
type handler struct {
	id       string
	channel  string
	agg      *candles.Aggregator
	callback BarFunc
}

// channelEntry groups the handlers listening on one channel key.
type channelEntry struct {
	handlers []*handler
}

// RegistryConfig configures the registry's reconnection policy.
type RegistryConfig struct {
	// RetryAttempts is how many times a broken stream is re-established
	// before giving up. The budget resets whenever a subscription brings
	// the stream up fresh.
	RetryAttempts int
	// RetryDelay is the pause before each reconnect attempt.
	RetryDelay time.Duration
}

// DefaultRegistryConfig returns the upstream provider's recommended policy.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		RetryAttempts: 3,
		RetryDelay:    3 * time.Second,
	}
}

// Registry owns the single shared upstream tick connection and fans ticks
// out to subscribers. The connection is established when the first
// subscriber arrives and torn down when the last one leaves.
//
// All ticks are dispatched from one goroutine, so each subscription sees
// its channel's ticks strictly in arrival order.
type Registry struct {
	source TickSource
	config RegistryConfig
	log    zerolog.Logger

	mu          sync.Mutex
	channels    map[string]*channelEntry
	subscribers int
	running     bool
	cancel      context.CancelFunc
}

// NewRegistry creates a registry around the given tick source. A nil config
// uses DefaultRegistryConfig.
func NewRegistry(source TickSource, config *RegistryConfig, log zerolog.Logger) *Registry {
	cfg := DefaultRegistryConfig()
	if config != nil {
		cfg = *config
	}
	return &Registry{
		source:   source,
		config:   cfg,
		log:      log,
		channels: make(map[string]*channelEntry),
	}
}

// Subscribe registers a callback for bars on channel at the given
// resolution. Subscribing again with the same subscriberID replaces the
// existing entry's resolution and callback instead of adding a duplicate.
// lastBar, when non-nil, seeds the subscription's aggregator so live ticks
// extend the most recent historical bar rather than opening a new one.
//
// The first subscription overall starts the upstream connection.
func (r *Registry) Subscribe(channel, subscriberID string, resolution candles.Resolution, lastBar *domain.Candle, callback BarFunc) {
	r.mu.Lock()

	entry, ok := r.channels[channel]
	if !ok {
		entry = &channelEntry{}
		r.channels[channel] = entry
	}

	var existing *handler
	for _, h := range entry.handlers {
		if h.id == subscriberID {
			existing = h
			break
		}
	}

	if existing != nil {
		existing.callback = callback
		if existing.agg.Resolution() != resolution {
			existing.agg = candles.NewAggregator(resolution)
		}
		if lastBar != nil {
			existing.agg.Seed(*lastBar)
		}
		r.mu.Unlock()
		return
	}

	agg := candles.NewAggregator(resolution)
	if lastBar != nil {
		agg.Seed(*lastBar)
	}
	entry.handlers = append(entry.handlers, &handler{
		id:       subscriberID,
		channel:  channel,
		agg:      agg,
		callback: callback,
	})
	r.subscribers++

	start := !r.running && r.subscribers > 0
	if start {
		r.running = true
	}
	subs, chans := r.subscribers, len(r.channels)
	r.mu.Unlock()

	observability.UpdateSubscriberCounts(subs, chans)
	r.log.Debug().Str("channel", channel).Str("subscriber", subscriberID).
		Str("resolution", string(resolution)).Msg("stream subscribe")

	if start {
		r.startStream()
	}
}

// Unsubscribe removes the subscription with the given ID, wherever it is
// registered. Removing the last subscriber on a channel drops the channel;
// removing the last subscriber overall stops the upstream connection.
// Unknown IDs are ignored.
func (r *Registry) Unsubscribe(subscriberID string) {
	r.mu.Lock()

	var removed bool
	for channel, entry := range r.channels {
		for i, h := range entry.handlers {
			if h.id != subscriberID {
				continue
			}
			entry.handlers = append(entry.handlers[:i], entry.handlers[i+1:]...)
			r.subscribers--
			removed = true
			if len(entry.handlers) == 0 {
				delete(r.channels, channel)
			}
			break
		}
		if removed {
			break
		}
	}

	stop := removed && r.subscribers == 0 && r.running
	var cancel context.CancelFunc
	if stop {
		r.running = false
		cancel = r.cancel
		r.cancel = nil
	}
	subs, chans := r.subscribers, len(r.channels)
	r.mu.Unlock()

	if !removed {
		return
	}

	observability.UpdateSubscriberCounts(subs, chans)
	r.log.Debug().Str("subscriber", subscriberID).Msg("stream unsubscribe")

	if stop && cancel != nil {
		cancel()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribers
}

// Close tears down all subscriptions and stops the upstream connection.
func (r *Registry) Close() {
	r.mu.Lock()
	r.channels = make(map[string]*channelEntry)
	r.subscribers = 0
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	observability.UpdateSubscriberCounts(0, 0)
	if cancel != nil {
		cancel()
	}
}

// startStream launches the connection goroutine with a fresh retry budget.
func (r *Registry) startStream() {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(ctx)
}

// run keeps the upstream connection alive while subscribers remain,
// re-establishing it up to the configured number of attempts.
func (r *Registry) run(ctx context.Context) {
	retriesLeft := r.config.RetryAttempts

	for {
		err := r.source.Run(ctx, r.dispatch)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Msg("tick stream broken")
		}

		r.mu.Lock()
		active := r.subscribers > 0
		if !active || retriesLeft == 0 {
			r.running = false
			r.cancel = nil
			r.mu.Unlock()
			if active {
				r.log.Error().Msg("tick stream retry budget exhausted")
			}
			return
		}
		r.mu.Unlock()

		retriesLeft--
		observability.RecordStreamReconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.RetryDelay):
		}
	}
}

// dispatch routes one tick to every handler on its channel. Handlers on
// unknown channels are simply absent and the tick is ignored.
func (r *Registry) dispatch(tick domain.TradeTick) {
	r.mu.Lock()
	entry, ok := r.channels[tick.Channel]
	var targets []*handler
	if ok {
		targets = make([]*handler, len(entry.handlers))
		copy(targets, entry.handlers)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	observability.RecordTick(tick.Channel, tick.TimestampMs/1000)

	for _, h := range targets {
		bar, action := h.agg.Apply(tick)
		switch action {
		case candles.ActionDrop:
			observability.RecordDroppedTick()
			continue
		case candles.ActionNew:
			observability.RecordCandleRolled(string(h.agg.Resolution()))
		}
		h.callback(bar, action)
	}
}
