package core

import (
	"context"
	"errors"
	"strings"

	"scuffedchat/lock"
	"scuffedchat/models"
)

// Notifications returns the live notification items, newest first
func (s *Session) Notifications() []models.NotificationItem {
	return s.snapshot.Load().Notifications
}

// Conversation returns the latest published copy of the conversation with peerID
func (s *Session) Conversation(peerID string) (models.Conversation, bool) {
	return s.snapshot.Load().Conversation(peerID)
}

// Status returns the latest published status
func (s *Session) Status() Status {
	return s.snapshot.Load().Status
}

// Snapshot returns the latest published snapshot
func (s *Session) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// OpenConversation focuses the conversation with peerID. The first open
// loads recent history. Every unread message becomes read, its
// notifications are consumed and one read-state write is scheduled.
func (s *Session) OpenConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	if peerID == "" || peerID == s.self {
		return models.Conversation{}, models.ErrNotFound
	}

	var loaded bool
	if err := s.do(ctx, func() { loaded = s.loaded[peerID] }); err != nil {
		return models.Conversation{}, err
	}

	var (
		history []models.Message
		fetched bool
	)
	if !loaded {
		msgs, err := s.backend.FetchConversationHistory(ctx, peerID, 0, s.opts.HistoryLimit)
		if err != nil {
			// keep what is local; the next open tries again
			s.logger.Warn().Err(err).Str("peer_id", peerID).Msg("Could not load history")
		} else {
			history, fetched = msgs, true
		}
	}

	var (
		conv    models.Conversation
		openErr error
	)
	err := s.do(ctx, func() {
		s.focused[peerID] = true
		s.ensurePeer(peerID)
		if fetched {
			s.mergeHistory(history)
			s.loaded[peerID] = true
		}
		res, err := s.receipts.Open(peerID)
		if err != nil {
			openErr = err
			return
		}
		conv, _ = s.store.Conversation(res.Key)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, openErr
}

// CloseConversation unfocuses peerID and writes its pending read receipts now
func (s *Session) CloseConversation(ctx context.Context, peerID string) error {
	return s.do(ctx, func() {
		delete(s.focused, peerID)
		s.receipts.Close(peerID)
	})
}

// SendChatMessage appends body optimistically and sends it in the
// background. The returned message carries the temp id used until the
// server copy replaces it.
func (s *Session) SendChatMessage(ctx context.Context, peerID, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyMessage
	}

	var (
		msg     models.Message
		sendErr error
	)
	err := s.do(ctx, func() {
		if sendErr = s.machine.CheckSend(); sendErr != nil {
			return
		}
		msg, sendErr = s.store.ApplyOptimisticSend(models.Draft{
			SenderID:    s.self,
			RecipientID: peerID,
			Body:        body,
		})
		if sendErr != nil {
			return
		}
		s.ensurePeer(peerID)
		s.dispatch(msg)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, sendErr
}

// RetrySend sends a failed optimistic message again under the same temp id
func (s *Session) RetrySend(ctx context.Context, tempID string) (models.Message, error) {
	var (
		msg      models.Message
		retryErr error
	)
	err := s.do(ctx, func() {
		if retryErr = s.machine.CheckSend(); retryErr != nil {
			return
		}
		if s.sending[tempID] {
			retryErr = ErrSendInFlight
			return
		}
		msg, retryErr = s.store.PrepareRetry(tempID)
		if retryErr != nil {
			return
		}
		s.dispatch(msg)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, retryErr
}

// dispatch sends an optimistic message off the loop and reconciles the reply
func (s *Session) dispatch(msg models.Message) {
	tempID := msg.ID
	s.sending[tempID] = true
	s.async(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
		server, err := s.backend.SendMessage(ctx, msg.RecipientID, msg.Body, tempID)

		s.post(func() {
			delete(s.sending, tempID)
			if err != nil {
				s.logger.Warn().Err(err).Str("temp_id", tempID).Msg("Send failed")
				if _, ferr := s.store.Fail(tempID); ferr != nil && !errors.Is(ferr, models.ErrNotFound) {
					s.logger.Warn().Err(ferr).Str("temp_id", tempID).Msg("Could not mark send failed")
				}
				return
			}
			if _, err := s.store.Acknowledge(tempID, server); err != nil {
				s.logger.Warn().Err(err).Str("temp_id", tempID).Msg("Could not reconcile sent message")
			}
		})
	})
}

// ToggleLock flips the account lock. Unlocking sends passphrase to the
// backend for verification.
func (s *Session) ToggleLock(ctx context.Context, passphrase string) (models.LockState, error) {
	var (
		t        lock.Transition
		beginErr error
	)
	if err := s.do(ctx, func() { t, beginErr = s.machine.Begin() }); err != nil {
		return "", err
	}
	if beginErr != nil {
		return "", beginErr
	}

	callErr := s.backend.SetAccountLock(ctx, t.Target == models.LockStateLocked, passphrase)

	var (
		state  models.LockState
		result error
	)
	// the reservation must be released even if ctx is already done
	err := s.do(context.Background(), func() {
		if callErr != nil {
			s.machine.Abort()
			if errors.Is(callErr, models.ErrLockNotConfigured) {
				s.machine.SetConfigured(false)
			}
			result = callErr
			state = s.machine.State()
			return
		}
		result = s.machine.Complete(t, t.NeedsPassphrase(), s.store)
		if result == nil && t.Target == models.LockStateNormal {
			s.agg.ClearSuppressed()
		}
		state = s.machine.State()
	})
	if err != nil {
		return "", err
	}
	if result != nil {
		s.logger.Info().Err(result).Str("target", string(t.Target)).Msg("Lock toggle refused")
	} else {
		s.logger.Info().Str("state", string(state)).Msg("Lock toggled")
	}
	return state, result
}

// ConfigurePassphrase stores a new lock passphrase with the backend
func (s *Session) ConfigurePassphrase(ctx context.Context, passphrase string) error {
	if err := lock.ValidatePassphrase(passphrase); err != nil {
		return err
	}
	if err := s.backend.ConfigureLockPassphrase(ctx, passphrase); err != nil {
		return err
	}
	return s.do(context.Background(), func() { s.machine.SetConfigured(true) })
}

// RespondFriendRequest accepts or declines requestID and dismisses its
// notification.
func (s *Session) RespondFriendRequest(ctx context.Context, requestID string, accept bool) error {
	if err := s.backend.RespondFriendRequest(ctx, requestID, accept); err != nil {
		return err
	}
	return s.do(context.Background(), func() { s.agg.ConsumeFriendRequest(requestID) })
}

// ConsumeNotification dismisses a single notification item
func (s *Session) ConsumeNotification(ctx context.Context, id string) (bool, error) {
	var consumed bool
	err := s.do(ctx, func() { consumed = s.agg.Consume(id) })
	return consumed, err
}
