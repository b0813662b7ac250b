package core

import (
	"context"
	"errors"
	"time"

	"scuffedchat/conversation"
	"scuffedchat/models"
	"scuffedchat/retry"
)

func (s *Session) handleEvent(ev models.DomainEvent) {
	switch ev.Kind {
	case models.EventConnectionStateChanged:
		if ev.Connection == nil {
			s.logger.Warn().Msg("Connection event without payload")
			return
		}
		s.handleConnection(*ev.Connection)

	case models.EventMessageCreated:
		if ev.Message == nil {
			s.logger.Warn().Msg("Message event without payload")
			return
		}
		s.handleMessage(*ev.Message)

	case models.EventFriendRequestCreated:
		if ev.FriendRequest != nil && ev.FriendRequest.From.Known() {
			s.peers[ev.FriendRequest.From.ID] = ev.FriendRequest.From
		}
		item, err := s.agg.Ingest(ev, loopView{s})
		if err != nil {
			return
		}
		if item != nil {
			s.ensurePeer(item.SourcePeer.ID)
		}

	default:
		// the aggregator logs and rejects unknown kinds
		s.agg.Ingest(ev, loopView{s})
	}
}

func (s *Session) handleConnection(change models.ConnectionChange) {
	s.conn = change.State
	switch change.State {
	case models.Disconnected:
		s.holdWatermarks()
		s.logger.Warn().Err(change.Err).Msg("Realtime disconnected")
	case models.Connected:
		s.logger.Info().Bool("reconnected", change.Reconnected).Msg("Realtime connected")
	}
}

// holdWatermarks records, per conversation, the highest seq held before the
// gap. A watermark from an earlier unfinished gap is kept.
func (s *Session) holdWatermarks() {
	s.disconnects++
	for _, c := range s.store.Conversations() {
		if _, held := s.watermarks[c.PeerID]; held {
			continue
		}
		if s.loaded[c.PeerID] || len(c.Messages) > 0 {
			s.watermarks[c.PeerID] = s.store.MaxSeq(c.Key)
		}
	}
}

func (s *Session) handleMessage(msg models.Message) {
	res, err := s.store.ApplyIncoming(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping message")
		return
	}
	s.applied(res)
}

// applied runs the side effects of a store result. A redelivered message
// only withdraws its notification when it was read elsewhere.
func (s *Session) applied(res conversation.ApplyResult) {
	switch {
	case res.Duplicate:
		if res.ReadChanged {
			s.agg.Consume(models.NotificationID(models.KindMessage, res.Message.ID))
		}
	case res.Inserted:
		s.afterApply(res)
	}
}

// afterApply couples a stored message with read receipts and notifications
func (s *Session) afterApply(res conversation.ApplyResult) {
	msg := res.Message
	if msg.SenderID == s.self {
		return
	}
	peerID := msg.SenderID
	s.ensurePeer(peerID)

	if s.focused[peerID] {
		if _, err := s.receipts.Observe(msg); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Could not mark message read")
		}
		return
	}
	s.agg.Ingest(models.MessageEvent(msg), loopView{s})
}

func (s *Session) sourceClosed() {
	s.conn = models.Disconnected
	s.transportErr = models.ErrTransport
	s.logger.Error().Msg("Event source stopped")
}

// ensurePeer starts a profile lookup for peerID unless one is known or pending
func (s *Session) ensurePeer(peerID string) {
	if peerID == "" || s.lookups[peerID] {
		return
	}
	if p, ok := s.peers[peerID]; ok && p.Known() {
		return
	}
	s.lookups[peerID] = true
	s.async(func(ctx context.Context) {
		peer, err := s.backend.GetPeer(ctx, peerID)
		s.post(func() {
			delete(s.lookups, peerID)
			if err != nil {
				s.logger.Debug().Err(err).Str("peer_id", peerID).Msg("Profile lookup failed")
				return
			}
			s.peers[peerID] = peer
			s.agg.RefreshPeer(peer)
		})
	})
}

func (s *Session) expire(now time.Time) {
	failed := s.store.ExpirePending(now)
	for _, msg := range failed {
		s.logger.Warn().Str("temp_id", msg.ID).Str("peer_id", msg.RecipientID).Msg("Send timed out")
	}
	if len(failed) > 0 {
		s.dirty = true
	}
}

// flushReads writes a batch of read receipts off the loop
func (s *Session) flushReads(peerID string, ids []string) {
	s.async(func(ctx context.Context) {
		result := retry.Do(ctx, s.opts.BackendRetry, s.logger, func(ctx context.Context) error {
			return s.backend.UpdateReadState(ctx, ids)
		})
		if !result.Success && !errors.Is(result.LastError, context.Canceled) {
			s.logger.Error().Err(result.LastError).Str("peer_id", peerID).Int("count", len(ids)).Msg("Failed to write read receipts")
		}
	})
}

// Resync pulls history missed while disconnected for every loaded
// conversation, plus the friend-request backlog. It is the Resyncer hook of
// the event source and may be called from any goroutine. The pull is
// abandoned when ctx is done.
func (s *Session) Resync(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.post(func() { s.startResync(ctx) })
}

func (s *Session) startResync(caller context.Context) {
	if s.resyncing || caller.Err() != nil {
		return
	}
	s.resyncing = true

	since := make(map[string]int64)
	for _, c := range s.store.Conversations() {
		if s.loaded[c.PeerID] || len(c.Messages) > 0 {
			since[c.PeerID] = s.store.MaxSeq(c.Key)
		}
	}
	// live events since the reconnect may already sit past the gap
	for peerID, seq := range s.watermarks {
		since[peerID] = seq
	}
	generation := s.disconnects

	s.async(func(ctx context.Context) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(caller, cancel)
		defer stop()

		var (
			history  []models.Message
			requests []models.FriendRequest
		)
		result := retry.Do(ctx, s.opts.BackendRetry, s.logger, func(ctx context.Context) error {
			history = history[:0]
			for peerID, seq := range since {
				msgs, err := s.backend.FetchConversationHistory(ctx, peerID, seq, s.opts.HistoryLimit)
				if err != nil {
					return err
				}
				history = append(history, msgs...)
			}
			var err error
			requests, err = s.backend.PendingFriendRequests(ctx)
			return err
		})
		abandoned := ctx.Err() != nil

		s.post(func() {
			s.resyncing = false
			if !result.Success {
				if abandoned {
					s.logger.Debug().Msg("Resync abandoned")
					return
				}
				s.transportErr = errors.Join(models.ErrTransport, result.LastError)
				s.logger.Error().Err(result.LastError).Int("attempts", result.Attempts).Msg("Resync failed")
				return
			}
			s.transportErr = nil
			s.mergeHistory(history)
			// a newer gap keeps its watermarks for the next resync
			if s.disconnects == generation {
				for peerID := range since {
					delete(s.watermarks, peerID)
				}
			}
			for _, req := range requests {
				s.handleEvent(models.FriendRequestEvent(req))
			}
			s.logger.Info().Int("messages", len(history)).Int("friend_requests", len(requests)).Msg("Resync complete")
		})
	})
}

func (s *Session) mergeHistory(history []models.Message) {
	results, err := s.store.MergeHistory(history)
	if err != nil {
		s.logger.Warn().Err(err).Int("merged", len(results)).Msg("Stopped merging fetched history")
	}
	for _, res := range results {
		s.applied(res)
	}
}
