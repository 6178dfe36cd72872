// Package msglog owns the append-only per-conversation message log and
// the delivery-status lifecycle. Appends re-validate permissions and
// the request gate inside the store transaction, so the advisory
// pre-check in the API layer can never be the only line of defense.
package msglog

import (
	"errors"
	"fmt"
	"time"

	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/notify"
	"chatd/pkg/permission"
	"chatd/pkg/store"
	"chatd/pkg/syncer"
	"chatd/pkg/telemetry"
	"chatd/pkg/utils"
	"chatd/pkg/validation"
)

const previewLen = 80

type Service struct {
	st       *store.Store
	eval     *permission.Evaluator
	dispatch notify.Dispatcher
	retries  int
}

func NewService(st *store.Store, eval *permission.Evaluator, dispatch notify.Dispatcher, retries int) *Service {
	if retries <= 0 {
		retries = 3
	}
	if dispatch == nil {
		dispatch = notify.LogDispatcher{}
	}
	return &Service{st: st, eval: eval, dispatch: dispatch, retries: retries}
}

// AppendInput is a send request against an existing conversation.
type AppendInput struct {
	ConvID      string
	SenderID    string
	Body        string
	Attachments []models.Attachment
	ReplyTo     string
	Mentions    []string
	Previews    []models.LinkPreview

	// MsgID carries the original id on a retry of a failed send, so
	// the retried message keeps its identity and cannot duplicate.
	MsgID    string
	Attempts int
}

// Append validates, gates, and durably writes one message, bumping
// every other participant's unread counter in the same transaction.
// On transient store failure it retries with backoff up to the bound
// and then returns the message in failed status alongside
// models.ErrTransientStore; the caller owns the retry affordance.
func (s *Service) Append(in AppendInput) (*models.Message, error) {
	if err := validation.ValidateDraft(in.Body, in.Attachments); err != nil {
		telemetry.SendsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}
	if in.MsgID != "" {
		// Retry path: if the previous attempt actually committed, hand
		// back the stored message instead of appending a duplicate.
		if _, m, err := s.st.GetMessage(in.MsgID); err == nil {
			return m, nil
		}
	}

	var (
		out      *models.Message
		accepted bool
		kind     models.ConversationKind
		lastErr  error
	)
	for attempt := 0; attempt < s.retries; attempt++ {
		out, accepted, kind, lastErr = s.appendOnce(in)
		if lastErr == nil {
			break
		}
		if isPermanent(lastErr) {
			telemetry.SendsRejected.WithLabelValues(rejectReason(lastErr)).Inc()
			return nil, lastErr
		}
		if attempt < s.retries-1 {
			time.Sleep(time.Duration(50<<attempt) * time.Millisecond)
		}
	}
	if lastErr != nil {
		failed := &models.Message{
			ID:           in.MsgID,
			Conversation: in.ConvID,
			Sender:       in.SenderID,
			Body:         in.Body,
			Attachments:  in.Attachments,
			ReplyTo:      in.ReplyTo,
			Status:       models.DeliveryFailed,
			Attempts:     in.Attempts + s.retries,
		}
		if failed.ID == "" {
			failed.ID = utils.GenID()
		}
		logger.Error("append_failed", "conversation", in.ConvID, "sender", in.SenderID, "error", lastErr)
		return failed, fmt.Errorf("append: %v: %w", lastErr, models.ErrTransientStore)
	}

	telemetry.MessagesAppended.WithLabelValues(string(kind)).Inc()
	s.notifyAppend(out, accepted)
	return out, nil
}

// appendOnce is one locked attempt: gate checks, message insert,
// counter bumps, preview update, expiry index, all in one batch.
func (s *Service) appendOnce(in AppendInput) (*models.Message, bool, models.ConversationKind, error) {
	var (
		out            *models.Message
		implicitAccept bool
		kind           models.ConversationKind
	)
	err := s.st.Update(in.ConvID, func(tx *store.Tx) error {
		c, err := tx.Conversation(in.ConvID)
		if err != nil {
			return err
		}
		kind = c.Kind
		if c.Closed {
			return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConversationClosed)
		}
		if !c.HasParticipant(in.SenderID) {
			return fmt.Errorf("conversation %s sender %s: %w", c.ID, in.SenderID, models.ErrNotParticipant)
		}

		// Re-check the block set at write time: a block racing this send
		// must win once its store write is visible. Privacy settings are
		// not re-applied here; they were evaluated when the conversation
		// was created and must not gate replies or accepted threads.
		if c.Kind == models.KindDirect {
			blocked, err := s.eval.PairBlocked(in.SenderID, c.OtherParticipant(in.SenderID))
			if err != nil {
				return err
			}
			if blocked {
				return fmt.Errorf("conversation %s sender %s: %w", c.ID, in.SenderID, models.ErrPermissionDenied)
			}
		}

		// Request gate: while pending the requester gets one message;
		// any recipient reply implicitly accepts.
		implicitAccept = false
		if c.Status == models.StatusPending {
			if in.SenderID == c.RequesterID {
				if c.RequestSent >= 1 {
					return fmt.Errorf("conversation %s: %w", c.ID, models.ErrRequestLimitExceeded)
				}
				c.RequestSent++
			} else {
				c.Status = models.StatusAccepted
				c.RequestSent = 0
				implicitAccept = true
			}
		}

		if in.ReplyTo != "" {
			_, parent, err := s.st.GetMessage(in.ReplyTo)
			if err != nil || parent.Conversation != c.ID {
				return fmt.Errorf("reply target %s: %w", in.ReplyTo, models.ErrValidation)
			}
		}

		now := tx.Now()
		m := &models.Message{
			ID:           in.MsgID,
			Conversation: c.ID,
			Sender:       in.SenderID,
			Body:         in.Body,
			Attachments:  in.Attachments,
			ReplyTo:      in.ReplyTo,
			Mentions:     in.Mentions,
			Previews:     in.Previews,
			TS:           now,
			Status:       models.DeliverySent,
			Attempts:     in.Attempts + 1,
		}
		if m.ID == "" {
			m.ID = utils.GenID()
		}
		if c.DisappearAfterNS > 0 {
			m.DisappearTS = now + c.DisappearAfterNS
		}

		primary := tx.NewLogKey(c.ID)
		if err := tx.SetMessage(primary, m); err != nil {
			return err
		}
		if m.DisappearTS != 0 {
			if err := tx.SetExpiryIndex(primary, m); err != nil {
				return err
			}
		}

		syncer.BumpOnAppend(c, in.SenderID)
		c.LastMessagePreview = previewOf(m)
		c.LastMessageTS = now
		c.UpdatedTS = now
		if err := tx.SetConversation(c); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, false, kind, err
	}
	logger.Info("message_appended", "conversation", in.ConvID, "id", out.ID, "sender", in.SenderID)
	return out, implicitAccept, kind, nil
}

func (s *Service) notifyAppend(m *models.Message, accepted bool) {
	c, err := s.st.GetConversation(m.Conversation)
	if err != nil {
		return
	}
	preview := previewOf(m)
	for _, p := range c.ActiveParticipants() {
		if p == m.Sender {
			continue
		}
		s.dispatch.Dispatch(notify.Event{
			Type:         notify.EventMessage,
			RecipientID:  p,
			Conversation: c.ID,
			MessageID:    m.ID,
			Preview:      preview,
			TS:           m.TS,
		})
	}
	if accepted {
		// The reply that accepted the request notifies the requester.
		s.dispatch.Dispatch(notify.Event{
			Type:         notify.EventAccepted,
			RecipientID:  c.OtherParticipant(m.Sender),
			Conversation: c.ID,
			TS:           m.TS,
		})
	}
}

// Stream returns a page of messages after the opaque cursor, excluding
// messages whose scheduled deletion has already passed even if the
// sweeper has not caught up yet. The returned cursor resumes the page.
func (s *Service) Stream(convID, userID, after string, limit int) ([]*models.Message, string, error) {
	c, err := s.st.GetConversation(convID)
	if err != nil {
		return nil, "", err
	}
	if !c.HasParticipant(userID) {
		return nil, "", fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
	}
	stored, err := s.st.ListMessages(convID, after, limit)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC().UnixNano()
	out := make([]*models.Message, 0, len(stored))
	cursor := after
	for _, sm := range stored {
		cursor = sm.Key
		if sm.Msg.DisappearTS != 0 && sm.Msg.DisappearTS <= now {
			continue
		}
		out = append(out, sm.Msg)
	}
	return out, cursor, nil
}

// Get returns one message to a participant.
func (s *Service) Get(msgID, userID string) (*models.Message, error) {
	_, m, err := s.st.GetMessage(msgID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(m.Conversation, userID); err != nil {
		return nil, err
	}
	return m, nil
}

// Versions returns the edit history of a message.
func (s *Service) Versions(msgID, userID string) ([]*models.Message, error) {
	_, m, err := s.st.GetMessage(msgID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(m.Conversation, userID); err != nil {
		return nil, err
	}
	return s.st.ListMessageVersions(msgID)
}

// AddReaction records userID's emoji reaction; duplicates are no-ops.
func (s *Service) AddReaction(msgID, userID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("empty reaction: %w", models.ErrValidation)
	}
	return s.mutate(msgID, userID, false, func(m *models.Message) error {
		if m.Reactions == nil {
			m.Reactions = map[string][]string{}
		}
		for _, u := range m.Reactions[emoji] {
			if u == userID {
				return nil
			}
		}
		m.Reactions[emoji] = append(m.Reactions[emoji], userID)
		return nil
	})
}

// RemoveReaction removes userID's reaction with the given emoji.
func (s *Service) RemoveReaction(msgID, userID, emoji string) error {
	return s.mutate(msgID, userID, false, func(m *models.Message) error {
		users := m.Reactions[emoji]
		for i, u := range users {
			if u == userID {
				m.Reactions[emoji] = append(users[:i], users[i+1:]...)
				if len(m.Reactions[emoji]) == 0 {
					delete(m.Reactions, emoji)
				}
				return nil
			}
		}
		return nil
	})
}

// Edit replaces the body (sender only) and records the prior content
// as a version row.
func (s *Service) Edit(msgID, userID, newBody string) error {
	if err := validation.ValidateDraft(newBody, nil); err != nil {
		return err
	}
	return s.mutateTx(msgID, userID, true, func(tx *store.Tx, primary string, m *models.Message) error {
		if m.Deleted {
			return fmt.Errorf("message %s deleted: %w", msgID, models.ErrValidation)
		}
		if err := tx.SetVersion(m); err != nil {
			return err
		}
		m.Body = newBody
		m.EditedTS = tx.Now()
		return tx.SetMessage(primary, m)
	})
}

// TogglePin flips the pin flag; any participant may pin.
func (s *Service) TogglePin(msgID, userID string) (bool, error) {
	var pinned bool
	err := s.mutate(msgID, userID, false, func(m *models.Message) error {
		m.Pinned = !m.Pinned
		pinned = m.Pinned
		return nil
	})
	return pinned, err
}

// ScheduleDisappearance sets (or moves) the message's scheduled
// deletion to now+after.
func (s *Service) ScheduleDisappearance(msgID, userID string, after time.Duration) error {
	if after <= 0 {
		return fmt.Errorf("non-positive duration: %w", models.ErrValidation)
	}
	return s.mutateTx(msgID, userID, false, func(tx *store.Tx, primary string, m *models.Message) error {
		if m.DisappearTS != 0 {
			if err := tx.DeleteExpiryIndex(m.DisappearTS, primary); err != nil {
				return err
			}
		}
		m.DisappearTS = tx.Now() + int64(after)
		if err := tx.SetExpiryIndex(primary, m); err != nil {
			return err
		}
		return tx.SetMessage(primary, m)
	})
}

// Delete tombstones a message for everyone: the log key stays for
// ordering but body, attachments, and reactions are gone. Sender only.
func (s *Service) Delete(msgID, callerID string) error {
	return s.removeTx(msgID, callerID, true, func(tx *store.Tx, c *models.Conversation, primary string, m *models.Message) error {
		syncer.DecrementOnRemove(c, m)
		if m.DisappearTS != 0 {
			if err := tx.DeleteExpiryIndex(m.DisappearTS, primary); err != nil {
				return err
			}
			m.DisappearTS = 0
		}
		m.Deleted = true
		m.Body = ""
		m.Attachments = nil
		m.Reactions = nil
		m.Previews = nil
		return tx.SetMessage(primary, m)
	})
}

// Unsend hard-deletes a message, removing the log row outright.
// Sender only.
func (s *Service) Unsend(msgID, callerID string) error {
	return s.removeTx(msgID, callerID, true, func(tx *store.Tx, c *models.Conversation, primary string, m *models.Message) error {
		syncer.DecrementOnRemove(c, m)
		return tx.DeleteMessage(primary, m)
	})
}

// ExpireMessage is the sweeper's removal path: a system delete with no
// caller check. The conversation may already be gone (declined
// request); then only the orphaned rows are cleared.
func (s *Service) ExpireMessage(ref store.ExpiredRef) error {
	return s.st.Update(ref.ConvID, func(tx *store.Tx) error {
		_, m, err := s.st.GetMessage(ref.MsgID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return tx.DeleteExpiryIndex(ref.DisappearTS, ref.Primary)
			}
			return err
		}
		c, err := tx.Conversation(ref.ConvID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return tx.DeleteMessage(ref.Primary, m)
			}
			return err
		}
		syncer.DecrementOnRemove(c, m)
		if err := tx.DeleteMessage(ref.Primary, m); err != nil {
			return err
		}
		s.refreshPreview(tx, c, ref.Primary)
		c.UpdatedTS = tx.Now()
		return tx.SetConversation(c)
	})
}

// refreshPreview recomputes the conversation preview when the removed
// message was the latest one.
func (s *Service) refreshPreview(tx *store.Tx, c *models.Conversation, removedKey string) {
	stored, err := s.st.ListMessages(c.ID, "", 0)
	if err != nil {
		return
	}
	c.LastMessagePreview = ""
	c.LastMessageTS = 0
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Key == removedKey {
			continue
		}
		c.LastMessagePreview = previewOf(stored[i].Msg)
		c.LastMessageTS = stored[i].Msg.TS
		return
	}
}

// mutate runs a plain message mutation under the conversation lock.
func (s *Service) mutate(msgID, userID string, senderOnly bool, fn func(*models.Message) error) error {
	return s.mutateTx(msgID, userID, senderOnly, func(tx *store.Tx, primary string, m *models.Message) error {
		if err := fn(m); err != nil {
			return err
		}
		return tx.SetMessage(primary, m)
	})
}

func (s *Service) mutateTx(msgID, userID string, senderOnly bool, fn func(tx *store.Tx, primary string, m *models.Message) error) error {
	_, peek, err := s.st.GetMessage(msgID)
	if err != nil {
		return err
	}
	return s.st.Update(peek.Conversation, func(tx *store.Tx) error {
		primary, m, err := s.st.GetMessage(msgID)
		if err != nil {
			return err
		}
		c, err := tx.Conversation(m.Conversation)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("conversation %s user %s: %w", c.ID, userID, models.ErrNotParticipant)
		}
		if senderOnly && m.Sender != userID {
			return fmt.Errorf("message %s user %s: %w", msgID, userID, models.ErrNotSender)
		}
		return fn(tx, primary, m)
	})
}

func (s *Service) removeTx(msgID, callerID string, senderOnly bool, fn func(tx *store.Tx, c *models.Conversation, primary string, m *models.Message) error) error {
	_, peek, err := s.st.GetMessage(msgID)
	if err != nil {
		return err
	}
	return s.st.Update(peek.Conversation, func(tx *store.Tx) error {
		primary, m, err := s.st.GetMessage(msgID)
		if err != nil {
			return err
		}
		c, err := tx.Conversation(m.Conversation)
		if err != nil {
			return err
		}
		if !c.HasParticipant(callerID) {
			return fmt.Errorf("conversation %s user %s: %w", c.ID, callerID, models.ErrNotParticipant)
		}
		if senderOnly && m.Sender != callerID {
			return fmt.Errorf("message %s user %s: %w", msgID, callerID, models.ErrNotSender)
		}
		if err := fn(tx, c, primary, m); err != nil {
			return err
		}
		s.refreshPreview(tx, c, primary)
		c.UpdatedTS = tx.Now()
		return tx.SetConversation(c)
	})
}

func (s *Service) requireParticipant(convID, userID string) error {
	c, err := s.st.GetConversation(convID)
	if err != nil {
		return err
	}
	if !c.HasParticipant(userID) {
		return fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
	}
	return nil
}

func previewOf(m *models.Message) string {
	if m.Deleted {
		return ""
	}
	if m.Body != "" {
		r := []rune(m.Body)
		if len(r) > previewLen {
			return string(r[:previewLen])
		}
		return m.Body
	}
	if len(m.Attachments) > 0 {
		return "[" + m.Attachments[0].Kind + "]"
	}
	return ""
}

func isPermanent(err error) bool {
	for _, sentinel := range []error{
		models.ErrPermissionDenied,
		models.ErrRequestLimitExceeded,
		models.ErrNotParticipant,
		models.ErrConversationClosed,
		models.ErrNotSender,
		models.ErrValidation,
		models.ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, models.ErrRequestLimitExceeded):
		return "request_limit"
	case errors.Is(err, models.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, models.ErrConversationClosed):
		return "closed"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	default:
		return "other"
	}
}
