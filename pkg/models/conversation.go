package models

// ConversationKind distinguishes one-to-one threads from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// ConversationStatus is the request-gate state of a direct conversation.
// Groups are always accepted.
type ConversationStatus string

const (
	StatusPending  ConversationStatus = "pending"
	StatusAccepted ConversationStatus = "accepted"
)

// ParticipantState holds the per-participant slice of a conversation:
// the unread counter plus the archive/mute/pin flags that only affect
// that participant's view.
type ParticipantState struct {
	UnreadCount int  `json:"unread_count"`
	Archived    bool `json:"archived,omitempty"`
	Muted       bool `json:"muted,omitempty"`
	Pinned      bool `json:"pinned,omitempty"`
	Left        bool `json:"left,omitempty"`
}

type Conversation struct {
	ID   string           `json:"id"`
	Kind ConversationKind `json:"kind"`
	// Name is set for groups only.
	Name string `json:"name,omitempty"`
	// Participants is the ordered set of member identity ids. Direct
	// conversations have exactly two; the slice is kept sorted so the
	// pair is unordered for identity purposes.
	Participants []string `json:"participants"`
	// State maps participant id -> per-participant counters and flags.
	State map[string]*ParticipantState `json:"state"`

	Status ConversationStatus `json:"status"`
	// RequesterID is the identity that opened a pending direct
	// conversation; empty once accepted or for groups.
	RequesterID string `json:"requester_id,omitempty"`
	// RequestSent counts messages the requester has sent while pending.
	RequestSent int `json:"request_sent,omitempty"`
	// RequestAcked records that the recipient has seen the request in
	// their inbox, without deciding on it yet.
	RequestAcked bool `json:"request_acked,omitempty"`

	// DisappearAfterNS is the disappearing-message duration applied to
	// subsequently appended messages (ns); zero means off.
	DisappearAfterNS int64 `json:"disappear_after_ns,omitempty"`

	LastMessagePreview string `json:"last_message_preview,omitempty"`
	LastMessageTS      int64  `json:"last_message_ts,omitempty"`

	CreatedTS int64 `json:"created_ts"`
	UpdatedTS int64 `json:"updated_ts"`
	// Closed marks a group whose membership fell below two; no further
	// appends are accepted.
	Closed bool `json:"closed,omitempty"`
}

// HasParticipant reports whether id is an active (non-left) member.
func (c *Conversation) HasParticipant(id string) bool {
	st, ok := c.State[id]
	return ok && !st.Left
}

// ActiveParticipants returns members that have not left.
func (c *Conversation) ActiveParticipants() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if st, ok := c.State[p]; ok && !st.Left {
			out = append(out, p)
		}
	}
	return out
}

// OtherParticipant returns the peer of id in a direct conversation, or
// empty when id is not a member or the conversation is a group.
func (c *Conversation) OtherParticipant(id string) string {
	if c.Kind != KindDirect {
		return ""
	}
	for _, p := range c.Participants {
		if p != id {
			return p
		}
	}
	return ""
}
