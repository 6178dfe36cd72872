// Package syncer keeps per-participant unread counters exactly equal to
// the number of messages the participant has neither authored nor read.
// Counters are maintained incrementally inside the same store
// transaction as the triggering write; the full-scan recompute exists
// as the drift check, not the hot path.
package syncer

import (
	"fmt"
	"time"

	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/notify"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
)

type Syncer struct {
	st       *store.Store
	dispatch notify.Dispatcher
}

func New(st *store.Store, dispatch notify.Dispatcher) *Syncer {
	if dispatch == nil {
		dispatch = notify.LogDispatcher{}
	}
	return &Syncer{st: st, dispatch: dispatch}
}

// BumpOnAppend increments the unread counter of every active
// participant except the sender. Callers invoke it inside the append
// transaction so the message insert and the counter bumps commit
// together.
func BumpOnAppend(c *models.Conversation, senderID string) {
	for _, p := range c.ActiveParticipants() {
		if p == senderID {
			continue
		}
		c.State[p].UnreadCount++
	}
}

// DecrementOnRemove undoes the unread contribution of a message being
// deleted, tombstoned, or swept: each active participant for whom the
// message was still unread loses one count. Runs inside the same
// transaction as the removal.
func DecrementOnRemove(c *models.Conversation, m *models.Message) {
	for _, p := range c.ActiveParticipants() {
		if !m.Unread(p) {
			continue
		}
		if c.State[p].UnreadCount > 0 {
			c.State[p].UnreadCount--
		}
	}
}

// MarkRead adds userID to the read set of every currently-unread
// message in the conversation and resets the user's counter to zero,
// in one transaction. A send racing with this call is serialized by
// the conversation lock and lands either before the reset (and is
// marked read) or after it (and counts as unread), never in between.
func (s *Syncer) MarkRead(convID, userID string) error {
	return s.st.Update(convID, func(tx *store.Tx) error {
		c, err := tx.Conversation(convID)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
		}

		msgs, err := s.st.ListMessages(convID, "", 0)
		if err != nil {
			return err
		}
		recipients := recipientsOf(c)
		changed := 0
		for _, sm := range msgs {
			m := sm.Msg
			if !m.Unread(userID) {
				continue
			}
			m.MarkRead(userID)
			if !m.DeliveredToUser(userID) {
				m.DeliveredTo = append(m.DeliveredTo, userID)
			}
			m.RecomputeStatus(exclude(recipients, m.Sender))
			if err := tx.SetMessage(sm.Key, m); err != nil {
				return err
			}
			changed++
		}
		c.State[userID].UnreadCount = 0
		c.UpdatedTS = tx.Now()
		if err := tx.SetConversation(c); err != nil {
			return err
		}
		logger.Debug("conversation_read", "conversation", convID, "user", userID, "messages", changed)
		return nil
	})
}

// MarkDelivered records that userID's client has fetched the message
// and advances the scalar status when every recipient has. Crossing
// into delivered notifies the sender through the dispatcher.
func (s *Syncer) MarkDelivered(msgID, userID string) error {
	_, peek, err := s.st.GetMessage(msgID)
	if err != nil {
		return err
	}
	convID := peek.Conversation
	var delivered *models.Message
	err = s.st.Update(convID, func(tx *store.Tx) error {
		delivered = nil
		c, err := tx.Conversation(convID)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
		}
		primary, m, err := s.st.GetMessage(msgID)
		if err != nil {
			return err
		}
		if m.Sender == userID || m.DeliveredToUser(userID) {
			return nil
		}
		before := m.Status
		m.DeliveredTo = append(m.DeliveredTo, userID)
		m.RecomputeStatus(exclude(recipientsOf(c), m.Sender))
		if m.Status == models.DeliveryDelivered && before != models.DeliveryDelivered {
			delivered = m
		}
		return tx.SetMessage(primary, m)
	})
	if err != nil {
		return err
	}
	if delivered != nil {
		s.dispatch.Dispatch(notify.Event{
			Type:         notify.EventDelivered,
			RecipientID:  delivered.Sender,
			Conversation: convID,
			MessageID:    delivered.ID,
			TS:           time.Now().UTC().UnixNano(),
		})
	}
	return nil
}

// Recompute counts unread messages for userID by full scan. It is the
// source of truth the incremental counter is checked against.
func (s *Syncer) Recompute(convID, userID string) (int, error) {
	msgs, err := s.st.ListMessages(convID, "", 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sm := range msgs {
		if sm.Msg.Unread(userID) {
			n++
		}
	}
	return n, nil
}

// VerifyCounters compares every participant's incremental counter with
// the full-scan recompute and reports drift. Meant for tests and for
// periodic background verification; drift increments a metric and is
// logged, not repaired silently.
func (s *Syncer) VerifyCounters(convID string) (bool, error) {
	c, err := s.st.GetConversation(convID)
	if err != nil {
		return false, err
	}
	ok := true
	for _, p := range c.ActiveParticipants() {
		want, err := s.Recompute(convID, p)
		if err != nil {
			return false, err
		}
		if got := c.State[p].UnreadCount; got != want {
			ok = false
			telemetry.CounterDrift.Inc()
			logger.Error("unread_counter_drift", "conversation", convID, "user", p, "counter", got, "recomputed", want)
		}
	}
	return ok, nil
}

func recipientsOf(c *models.Conversation) []string {
	return c.ActiveParticipants()
}

func exclude(xs []string, drop string) []string {
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if x != drop {
			out = append(out, x)
		}
	}
	return out
}
