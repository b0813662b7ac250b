package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scuffedchat/models"
	"scuffedchat/retry"
)

// DefaultPollInterval is used when the poller is given no interval
const DefaultPollInterval = 2 * time.Second

const pollBatch = 200

// Feed is the pull side of a backend without a push channel
type Feed interface {
	LatestSeq(ctx context.Context) (int64, error)
	MessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Message, error)
	PendingFriendRequests(ctx context.Context) ([]models.FriendRequest, error)
}

// Poller is a Source that polls a Feed. It serves local databases where no
// realtime endpoint exists.
type Poller struct {
	feed      Feed
	interval  time.Duration
	reconnect retry.Config
	resync    Resyncer
	logger    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller builds a polling source; resync may be nil
func NewPoller(feed Feed, interval time.Duration, resync Resyncer, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		feed:      feed,
		interval:  interval,
		reconnect: retry.ReconnectConfig(),
		resync:    resync,
		logger:    logger.With().Str("component", "poller").Logger(),
	}
}

// SetResyncer replaces the resync hook. Call it before Subscribe.
func (p *Poller) SetResyncer(r Resyncer) {
	p.resync = r
}

// Subscribe starts polling for selfID
func (p *Poller) Subscribe(ctx context.Context, selfID string) (<-chan models.DomainEvent, error) {
	if selfID == "" {
		return nil, fmt.Errorf("subscribe: empty user id")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil, ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan models.DomainEvent, 64)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		defer close(out)
		p.run(ctx, out)
	}()
	return out, nil
}

// Unsubscribe stops polling and waits for the loop to exit
func (p *Poller) Unsubscribe() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

type pollState struct {
	connected     bool
	everConnected bool
	seeded        bool
	lastSeq       int64
	seenRequests  map[string]bool
	failures      int
}

func (p *Poller) run(ctx context.Context, out chan<- models.DomainEvent) {
	st := &pollState{seenRequests: make(map[string]bool)}
	if !emit(ctx, out, models.ConnectionEvent(models.ConnectionChange{State: models.Connecting, At: time.Now()})) {
		return
	}

	for {
		wait := p.interval
		if err := p.poll(ctx, out, st); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = retry.Delay(p.reconnect, st.failures)
			st.failures++
			if st.connected {
				st.connected = false
				p.logger.Warn().Err(err).Msg("Polling failed")
				change := models.ConnectionChange{State: models.Disconnected, Err: err, At: time.Now()}
				if !emit(ctx, out, models.ConnectionEvent(change)) {
					return
				}
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, out chan<- models.DomainEvent, st *pollState) error {
	if !st.seeded {
		seq, err := p.feed.LatestSeq(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		pending, err := p.feed.PendingFriendRequests(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		for _, req := range pending {
			st.seenRequests[req.ID] = true
		}
		st.lastSeq = seq
		st.seeded = true
	}

	msgs, err := p.feed.MessagesAfter(ctx, st.lastSeq, pollBatch)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	requests, err := p.feed.PendingFriendRequests(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransport, err)
	}

	st.failures = 0
	if !st.connected {
		st.connected = true
		reconnected := st.everConnected
		st.everConnected = true
		change := models.ConnectionChange{State: models.Connected, Reconnected: reconnected, At: time.Now()}
		if !emit(ctx, out, models.ConnectionEvent(change)) {
			return ctx.Err()
		}
		if reconnected && p.resync != nil {
			p.resync(ctx)
		}
	}

	for _, msg := range msgs {
		if !emit(ctx, out, models.MessageEvent(msg)) {
			return ctx.Err()
		}
		if msg.Seq > st.lastSeq {
			st.lastSeq = msg.Seq
		}
	}
	for _, req := range requests {
		if st.seenRequests[req.ID] {
			continue
		}
		st.seenRequests[req.ID] = true
		if !emit(ctx, out, models.FriendRequestEvent(req)) {
			return ctx.Err()
		}
	}
	return nil
}
