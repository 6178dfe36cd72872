// Package requests enforces the message-request lifecycle around
// pending direct conversations: the requester gets one message in,
// the recipient previews and then accepts, declines, or blocks. The
// per-send limit itself is enforced by the message log inside the
// append transaction; this gate owns the resolution side.
package requests

import (
	"fmt"
	"time"

	"chatd/pkg/identity"
	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/notify"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
)

type Gate struct {
	st       *store.Store
	ids      identity.Provider
	dispatch notify.Dispatcher
}

func NewGate(st *store.Store, ids identity.Provider, dispatch notify.Dispatcher) *Gate {
	if dispatch == nil {
		dispatch = notify.LogDispatcher{}
	}
	return &Gate{st: st, ids: ids, dispatch: dispatch}
}

// ListForRecipient returns the pending requests addressed to userID,
// newest first.
func (g *Gate) ListForRecipient(userID string) ([]models.MessageRequest, error) {
	convs, err := g.st.ListUserConversations(userID)
	if err != nil {
		return nil, err
	}
	var out []models.MessageRequest
	for _, c := range convs {
		if c.Kind != models.KindDirect || c.Status != models.StatusPending || c.RequesterID == userID {
			continue
		}
		out = append(out, models.MessageRequest{
			ID:           c.ID,
			RequesterID:  c.RequesterID,
			RecipientID:  userID,
			FirstPreview: c.LastMessagePreview,
			Acknowledged: c.RequestAcked,
			CreatedTS:    c.CreatedTS,
		})
	}
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Acknowledge marks the request as seen by the recipient without
// resolving it.
func (g *Gate) Acknowledge(convID, userID string) error {
	return g.st.Update(convID, func(tx *store.Tx) error {
		c, err := g.pendingFor(tx, convID, userID)
		if err != nil {
			return err
		}
		c.RequestAcked = true
		c.UpdatedTS = tx.Now()
		return tx.SetConversation(c)
	})
}

// Respond resolves a pending request. Accept opens the conversation
// for unrestricted sending; decline deletes the conversation and its
// messages; block additionally adds the requester to the recipient's
// block set via the identity collaborator.
func (g *Gate) Respond(convID, userID string, decision models.RequestDecision) error {
	// For a block, mutate the block set first: once it is visible every
	// racing send fails its in-transaction permission re-check, and the
	// conversation deletion below cannot be undone by a late append.
	if decision == models.DecisionBlock {
		c, err := g.st.GetConversation(convID)
		if err != nil {
			return err
		}
		if err := g.ids.Block(userID, c.RequesterID); err != nil {
			return fmt.Errorf("record block: %w", err)
		}
	}

	var requester string
	err := g.st.Update(convID, func(tx *store.Tx) error {
		c, err := g.pendingFor(tx, convID, userID)
		if err != nil {
			return err
		}
		requester = c.RequesterID

		switch decision {
		case models.DecisionAccept:
			c.Status = models.StatusAccepted
			c.RequestSent = 0
			c.UpdatedTS = tx.Now()
			return tx.SetConversation(c)

		case models.DecisionDecline, models.DecisionBlock:
			return g.deleteConversation(tx, c)

		default:
			return fmt.Errorf("unknown decision %q: %w", decision, models.ErrValidation)
		}
	})
	if err != nil {
		return err
	}

	telemetry.RequestsResolved.WithLabelValues(string(decision)).Inc()
	logger.Info("request_resolved", "conversation", convID, "decision", string(decision))

	if decision == models.DecisionAccept {
		g.dispatch.Dispatch(notify.Event{
			Type:         notify.EventAccepted,
			RecipientID:  requester,
			Conversation: convID,
			TS:           time.Now().UTC().UnixNano(),
		})
	}
	return nil
}

// pendingFor loads the conversation and checks that userID is the
// recipient of a pending direct request.
func (g *Gate) pendingFor(tx *store.Tx, convID, userID string) (*models.Conversation, error) {
	c, err := tx.Conversation(convID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
	}
	if c.Kind != models.KindDirect || c.Status != models.StatusPending {
		return nil, fmt.Errorf("conversation %s is not a pending request: %w", convID, models.ErrValidation)
	}
	if c.RequesterID == userID {
		return nil, fmt.Errorf("requester cannot resolve own request: %w", models.ErrValidation)
	}
	return c, nil
}

// deleteConversation stages full removal: every message row with its
// indexes, the membership rows, the pair index, and the document.
func (g *Gate) deleteConversation(tx *store.Tx, c *models.Conversation) error {
	stored, err := g.st.ListMessages(c.ID, "", 0)
	if err != nil {
		return err
	}
	for _, sm := range stored {
		if err := tx.DeleteMessage(sm.Key, sm.Msg); err != nil {
			return err
		}
	}
	for _, p := range c.Participants {
		if err := tx.DeleteUserConv(p, c.ID); err != nil {
			return err
		}
	}
	if len(c.Participants) == 2 {
		if err := tx.DeleteDirectIndex(c.Participants[0], c.Participants[1]); err != nil {
			return err
		}
	}
	return tx.DeleteConversation(c.ID)
}
