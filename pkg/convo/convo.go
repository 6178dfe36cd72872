// Package convo owns conversation metadata: participants, direct vs
// group, the per-participant flag set, and creation semantics. The
// unread counters embedded in the conversation document are maintained
// by the syncer package, not here.
package convo

import (
	"fmt"
	"sort"
	"time"

	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/permission"
	"chatd/pkg/store"
	"chatd/pkg/utils"
)

type Service struct {
	st   *store.Store
	eval *permission.Evaluator
}

func NewService(st *store.Store, eval *permission.Evaluator) *Service {
	return &Service{st: st, eval: eval}
}

// Get returns the conversation if userID is a member.
func (s *Service) Get(convID, userID string) (*models.Conversation, error) {
	c, err := s.st.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
	}
	return c, nil
}

// GetOrCreateDirect returns the direct conversation for the unordered
// pair, creating it when absent. The conversation id is derived from
// the sorted pair, so concurrent callers race on the same store lock
// and exactly one of them creates the document; the rest observe it.
// A created conversation starts accepted or pending according to the
// permission evaluation, which runs inside the locked transaction.
func (s *Service) GetOrCreateDirect(senderID, recipientID string) (*models.Conversation, error) {
	if senderID == recipientID {
		return nil, fmt.Errorf("self conversation: %w", models.ErrValidation)
	}
	convID := utils.DirectConvID(senderID, recipientID)

	// Fast path outside the lock: a hit is immutable identity data, so
	// a stale read is as good as a fresh one.
	if c, err := s.st.GetConversation(convID); err == nil {
		return c, nil
	}

	var out *models.Conversation
	err := s.st.Update(convID, func(tx *store.Tx) error {
		if c, err := tx.Conversation(convID); err == nil {
			out = c
			return nil
		}
		decision, err := s.eval.Evaluate(senderID, recipientID)
		if err != nil {
			return err
		}
		if decision == permission.Blocked {
			return fmt.Errorf("%s -> %s: %w", senderID, recipientID, models.ErrPermissionDenied)
		}
		now := tx.Now()
		a, b := utils.SortedPair(senderID, recipientID)
		c := &models.Conversation{
			ID:           convID,
			Kind:         models.KindDirect,
			Participants: []string{a, b},
			State: map[string]*models.ParticipantState{
				a: {}, b: {},
			},
			Status:    models.StatusAccepted,
			CreatedTS: now,
			UpdatedTS: now,
		}
		if decision == permission.AllowedAsRequest {
			c.Status = models.StatusPending
			c.RequesterID = senderID
		}
		if err := tx.SetConversation(c); err != nil {
			return err
		}
		if err := tx.SetDirectIndex(a, b, convID); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if err := tx.SetUserConv(p, convID); err != nil {
				return err
			}
		}
		out = c
		logger.Info("conversation_created", "conversation", convID, "kind", "direct", "status", string(c.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGroup creates a group conversation. Groups need at least two
// members besides the creator and are never request-gated.
func (s *Service) CreateGroup(creatorID string, memberIDs []string, name string) (*models.Conversation, error) {
	members := map[string]bool{creatorID: true}
	for _, m := range memberIDs {
		members[m] = true
	}
	if len(members) < 3 {
		return nil, fmt.Errorf("group needs at least two members besides the creator: %w", models.ErrValidation)
	}
	participants := make([]string, 0, len(members))
	for m := range members {
		participants = append(participants, m)
	}
	sort.Strings(participants)

	convID := utils.GenConvID()
	var out *models.Conversation
	err := s.st.Update(convID, func(tx *store.Tx) error {
		now := tx.Now()
		c := &models.Conversation{
			ID:           convID,
			Kind:         models.KindGroup,
			Name:         name,
			Participants: participants,
			State:        map[string]*models.ParticipantState{},
			Status:       models.StatusAccepted,
			CreatedTS:    now,
			UpdatedTS:    now,
		}
		for _, p := range participants {
			c.State[p] = &models.ParticipantState{}
			if err := tx.SetUserConv(p, convID); err != nil {
				return err
			}
		}
		if err := tx.SetConversation(c); err != nil {
			return err
		}
		out = c
		logger.Info("conversation_created", "conversation", convID, "kind", "group", "members", len(participants))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// flag mutators; each flips one per-participant bit atomically.

func (s *Service) SetArchived(convID, userID string, v bool) error {
	return s.setFlag(convID, userID, func(st *models.ParticipantState) { st.Archived = v })
}

func (s *Service) SetMuted(convID, userID string, v bool) error {
	return s.setFlag(convID, userID, func(st *models.ParticipantState) { st.Muted = v })
}

func (s *Service) SetPinned(convID, userID string, v bool) error {
	return s.setFlag(convID, userID, func(st *models.ParticipantState) { st.Pinned = v })
}

func (s *Service) setFlag(convID, userID string, mut func(*models.ParticipantState)) error {
	return s.st.Update(convID, func(tx *store.Tx) error {
		c, err := tx.Conversation(convID)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
		}
		mut(c.State[userID])
		c.UpdatedTS = tx.Now()
		return tx.SetConversation(c)
	})
}

// SetDisappearing sets the disappearing-message duration for messages
// appended from now on; zero turns the feature off. Existing messages
// keep their scheduled deletion times.
func (s *Service) SetDisappearing(convID, userID string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative duration: %w", models.ErrValidation)
	}
	return s.st.Update(convID, func(tx *store.Tx) error {
		c, err := tx.Conversation(convID)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
		}
		c.DisappearAfterNS = int64(d)
		c.UpdatedTS = tx.Now()
		logger.Info("disappearing_set", "conversation", convID, "duration", d.String())
		return tx.SetConversation(c)
	})
}

// Leave removes a participant from a group. When fewer than two active
// members remain the conversation closes for everyone. Direct
// conversations cannot be left; participants archive them instead.
func (s *Service) Leave(convID, userID string) error {
	return s.st.Update(convID, func(tx *store.Tx) error {
		c, err := tx.Conversation(convID)
		if err != nil {
			return err
		}
		if c.Kind != models.KindGroup {
			return fmt.Errorf("leave on direct conversation: %w", models.ErrValidation)
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("conversation %s user %s: %w", convID, userID, models.ErrNotParticipant)
		}
		c.State[userID].Left = true
		if err := tx.DeleteUserConv(userID, convID); err != nil {
			return err
		}
		if len(c.ActiveParticipants()) < 2 {
			c.Closed = true
			logger.Info("conversation_closed", "conversation", convID)
		}
		c.UpdatedTS = tx.Now()
		return tx.SetConversation(c)
	})
}

// ListFilter selects which conversations List returns.
type ListFilter string

const (
	FilterActive   ListFilter = "active"
	FilterArchived ListFilter = "archived"
)

// List returns the user's conversations ordered by last activity,
// newest first.
func (s *Service) List(userID string, filter ListFilter) ([]*models.Conversation, error) {
	all, err := s.st.ListUserConversations(userID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Conversation, 0, len(all))
	for _, c := range all {
		st, ok := c.State[userID]
		if !ok || st.Left {
			continue
		}
		if filter == FilterArchived && !st.Archived {
			continue
		}
		if filter != FilterArchived && st.Archived {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		at, bt := a.LastMessageTS, b.LastMessageTS
		if at == 0 {
			at = a.CreatedTS
		}
		if bt == 0 {
			bt = b.CreatedTS
		}
		if at != bt {
			return at > bt
		}
		return a.ID < b.ID
	})
	return out, nil
}
