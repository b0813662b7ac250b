// Package receipts couples opening a conversation with marking its messages
// read and dismissing its message notifications. Read-state writes are
// coalesced into one backend call per open action.
package receipts

import (
	"time"

	"scuffedchat/conversation"
	"scuffedchat/models"
	"scuffedchat/notify"
)

// DefaultDebounce is how long reads are collected before they are written
const DefaultDebounce = 400 * time.Millisecond

// CancelFunc stops a scheduled callback. It is safe to call more than once.
type CancelFunc func()

// Scheduler runs fn after d on the goroutine that owns the reconciler
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

// FlushFunc hands a batch of message ids to the backend writer. It is
// called on the owning goroutine and must not block.
type FlushFunc func(peerID string, ids []string)

// OpenResult reports what opening a conversation changed
type OpenResult struct {
	Key      models.ConversationKey
	Marked   []string // message ids set to Read
	Consumed []string // notification ids dismissed
}

type batch struct {
	ids    []string
	seen   map[string]struct{}
	cancel CancelFunc
}

// Reconciler is not safe for concurrent use
type Reconciler struct {
	store     *conversation.Store
	agg       *notify.Aggregator
	scheduler Scheduler
	flush     FlushFunc
	debounce  time.Duration
	batches   map[string]*batch
}

// New wires a reconciler to the store and aggregator it keeps in step
func New(store *conversation.Store, agg *notify.Aggregator, scheduler Scheduler, flush FlushFunc, debounce time.Duration) *Reconciler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Reconciler{
		store:     store,
		agg:       agg,
		scheduler: scheduler,
		flush:     flush,
		debounce:  debounce,
		batches:   make(map[string]*batch),
	}
}

// Open marks every unread message from peerID read and consumes the
// matching message notifications in the same call.
func (r *Reconciler) Open(peerID string) (OpenResult, error) {
	key := r.store.Open(peerID)
	marked, err := r.store.MarkRead(key, "")
	if err != nil {
		return OpenResult{Key: key}, err
	}
	consumed := r.agg.ConsumeMessagesFrom(peerID)
	r.enqueue(peerID, marked)
	return OpenResult{Key: key, Marked: marked, Consumed: consumed}, nil
}

// Observe handles a message that arrived while its conversation is open.
// The message joins the pending batch instead of triggering its own write.
func (r *Reconciler) Observe(msg models.Message) ([]string, error) {
	self := r.store.Self()
	if msg.SenderID == self {
		return nil, nil
	}
	marked, err := r.store.MarkRead(msg.ConversationKey, msg.ID)
	if err != nil {
		return nil, err
	}
	r.agg.ConsumeMessagesFrom(msg.SenderID)
	r.enqueue(msg.SenderID, marked)
	return marked, nil
}

// Close stops the debounce timer of peerID and writes its batch now
func (r *Reconciler) Close(peerID string) {
	b, ok := r.batches[peerID]
	if !ok {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	r.fire(peerID)
}

// Stop cancels every timer and drops pending batches
func (r *Reconciler) Stop() {
	for peerID, b := range r.batches {
		if b.cancel != nil {
			b.cancel()
		}
		delete(r.batches, peerID)
	}
}

// Pending returns the ids waiting to be written for peerID
func (r *Reconciler) Pending(peerID string) []string {
	b, ok := r.batches[peerID]
	if !ok {
		return nil
	}
	out := make([]string, len(b.ids))
	copy(out, b.ids)
	return out
}

func (r *Reconciler) enqueue(peerID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	b, ok := r.batches[peerID]
	if !ok {
		b = &batch{seen: make(map[string]struct{})}
		r.batches[peerID] = b
	}
	for _, id := range ids {
		if _, dup := b.seen[id]; dup {
			continue
		}
		b.seen[id] = struct{}{}
		b.ids = append(b.ids, id)
	}
	if b.cancel == nil {
		b.cancel = r.scheduler.AfterFunc(r.debounce, func() {
			// a stale timer must not flush a newer batch early
			if r.batches[peerID] == b {
				r.fire(peerID)
			}
		})
	}
}

func (r *Reconciler) fire(peerID string) {
	b, ok := r.batches[peerID]
	if !ok {
		return
	}
	delete(r.batches, peerID)
	if len(b.ids) > 0 {
		r.flush(peerID, b.ids)
	}
}
