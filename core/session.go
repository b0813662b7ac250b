package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"scuffedchat/conversation"
	"scuffedchat/events"
	"scuffedchat/lock"
	"scuffedchat/models"
	"scuffedchat/notify"
	"scuffedchat/receipts"
)

// Session is the realtime core of one signed-in account. All chat state is
// owned by the goroutine running Run; every other method posts work to it.
type Session struct {
	backend Backend
	source  events.Source
	opts    Options
	logger  zerolog.Logger
	self    string

	// owned by the loop
	store        *conversation.Store
	agg          *notify.Aggregator
	machine      *lock.Machine
	receipts     *receipts.Reconciler
	focused      map[string]bool
	loaded       map[string]bool
	sending      map[string]bool
	peers        map[string]models.Peer
	lookups      map[string]bool
	conn         models.ConnectionState
	transportErr error
	resyncing    bool
	watermarks   map[string]int64 // per peer, highest seq held when the source dropped
	disconnects  uint64
	version      uint64
	dirty        bool

	commands chan func()
	snapshot atomic.Pointer[Snapshot]
	onChange func(*Snapshot)

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New builds a session for the account behind backend. If source accepts a
// resync hook it is wired to the session.
func New(backend Backend, source events.Source, opts Options, logger zerolog.Logger) *Session {
	opts = opts.withDefaults()
	self := backend.CurrentUserID()
	logger = logger.With().Str("component", "session").Str("user_id", self).Logger()

	s := &Session{
		backend:    backend,
		source:     source,
		opts:       opts,
		logger:     logger,
		self:       self,
		store:      conversation.New(self, opts.SendTimeout),
		agg:        notify.New(self, opts.MaxNotifications, logger),
		machine:    lock.New(),
		focused:    make(map[string]bool),
		loaded:     make(map[string]bool),
		sending:    make(map[string]bool),
		peers:      make(map[string]models.Peer),
		lookups:    make(map[string]bool),
		watermarks: make(map[string]int64),
		conn:       models.Disconnected,
		commands:   make(chan func(), 256),
		done:       make(chan struct{}),
	}
	s.receipts = receipts.New(s.store, s.agg, loopScheduler{s}, s.flushReads, opts.ReadDebounce)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if r, ok := source.(interface{ SetResyncer(events.Resyncer) }); ok {
		r.SetResyncer(s.Resync)
	}
	s.snapshot.Store(s.buildSnapshot())
	return s
}

// OnChange registers fn to receive every published snapshot. fn runs on the
// loop goroutine and must not block. Call it before Run.
func (s *Session) OnChange(fn func(*Snapshot)) {
	s.onChange = fn
}

// Run restores the account state, subscribes to events and processes work
// until ctx is done or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session already running")
	}
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	defer s.shutdown()

	s.restore()

	stream, err := s.source.Subscribe(s.ctx, s.self)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	s.conn = models.Connecting
	s.publish()

	expiry := time.NewTicker(s.opts.ExpiryTick)
	defer expiry.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case cmd := <-s.commands:
			s.dirty = true
			s.safely("command", cmd)

		case ev, ok := <-stream:
			if !ok {
				stream = nil
				s.sourceClosed()
				s.dirty = true
				continue
			}
			s.dirty = true
			s.safely(string(ev.Kind), func() { s.handleEvent(ev) })

		case now := <-expiry.C:
			s.safely("expire", func() { s.expire(now) })
		}

		if s.dirty {
			s.publish()
		}
	}
}

// Close stops the loop, drops pending read batches and unsubscribes. Events
// that arrive afterwards are discarded.
func (s *Session) Close() {
	s.cancel()
	if s.running.CompareAndSwap(false, true) {
		// Run was never called
		s.shutdown()
	}
	<-s.done
}

// Done is closed once the session has shut down
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) shutdown() {
	s.once.Do(func() {
		s.cancel()
		s.receipts.Stop()
		s.source.Unsubscribe()
		close(s.done)
		s.wg.Wait()
		s.logger.Info().Msg("Session closed")
	})
}

// restore loads lock state and the friend-request backlog before the loop
// starts taking events.
func (s *Session) restore() {
	status, err := s.backend.AccountLockStatus(s.ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not load lock status")
	} else if err := s.machine.Restore(status, s.store); err != nil {
		s.logger.Warn().Err(err).Msg("Could not restore lock state")
	}

	requests, err := s.backend.PendingFriendRequests(s.ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not load pending friend requests")
		return
	}
	for _, req := range requests {
		s.handleEvent(models.FriendRequestEvent(req))
	}
}

func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.snapshot.Store(snap)
	s.dirty = false
	if s.onChange != nil {
		s.safely("on_change", func() { s.onChange(snap) })
	}
}

// safely runs fn and recovers a panic so a bad handler cannot stop the loop
func (s *Session) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("handler", name).Interface("panic", r).Msg("Recovered from handler panic")
		}
	}()
	fn()
}

// post queues fn for the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.commands <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits until its effect is published
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
		s.publish()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// async runs a blocking backend call off the loop. Only the loop calls it.
func (s *Session) async(fn func(ctx context.Context)) {
	select {
	case <-s.done:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// loopScheduler runs receipt timers on the loop
type loopScheduler struct {
	s *Session
}

func (l loopScheduler) AfterFunc(d time.Duration, fn func()) receipts.CancelFunc {
	t := time.AfterFunc(d, func() { l.s.post(fn) })
	return func() { t.Stop() }
}

// loopView answers the aggregator's questions from loop-owned state
type loopView struct {
	s *Session
}

func (v loopView) Focused(peerID string) bool {
	return v.s.focused[peerID]
}

func (v loopView) AccountLock() models.LockState {
	return v.s.machine.State()
}

func (v loopView) ConversationLock(peerID string) models.LockState {
	return v.s.store.LockState(models.Key(v.s.self, peerID))
}

func (v loopView) Peer(id string) (models.Peer, bool) {
	p, ok := v.s.peers[id]
	return p, ok && p.Known()
}

func (v loopView) IsRead(msg models.Message) bool {
	stored, ok := v.s.store.Find(models.Key(msg.SenderID, msg.RecipientID), msg.ID)
	return ok && stored.ReadState == models.ReadStateRead
}
