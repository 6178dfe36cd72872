package models

// DeliveryStatus is the per-message lifecycle marker. It is monotonic
// except for the failed state, which is reachable from sending only and
// may be retried back into sending.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// rank orders the monotonic path; failed sits outside it.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next is legal under the
// delivery state machine: forward along sending->sent->delivered->read,
// sending->failed, and failed->sending (retry).
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s == next {
		return false
	}
	if next == DeliveryFailed {
		return s == DeliverySending
	}
	if s == DeliveryFailed {
		return next == DeliverySending
	}
	return next.rank() > s.rank()
}

// Attachment is a typed blob reference; the binary lives in the external
// attachment store and only the durable URL is kept here.
type Attachment struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// LinkPreview is resolved metadata for a URL found in the body.
type LinkPreview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Sender       string `json:"sender"`
	// Body may be empty when attachments are present.
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`

	TS       int64 `json:"ts"`
	EditedTS int64 `json:"edited_ts,omitempty"`

	Status DeliveryStatus `json:"status"`
	// ReadBy is the authoritative per-recipient read set; Status is a
	// derived scalar (minimum across recipients for direct threads,
	// advisory for groups).
	ReadBy []string `json:"read_by,omitempty"`
	// DeliveredTo tracks recipients whose client has fetched the message.
	DeliveredTo []string `json:"delivered_to,omitempty"`

	// Reactions maps emoji -> identity ids that reacted with it.
	Reactions map[string][]string `json:"reactions,omitempty"`

	Pinned   bool          `json:"pinned,omitempty"`
	Mentions []string      `json:"mentions,omitempty"`
	Previews []LinkPreview `json:"previews,omitempty"`

	// DisappearTS is the scheduled-deletion timestamp (ns); zero means
	// the message does not expire.
	DisappearTS int64 `json:"disappear_ts,omitempty"`

	// Deleted marks a tombstoned message: the log key survives for
	// ordering but the content is gone.
	Deleted bool `json:"deleted,omitempty"`

	// Attempts counts write attempts for the failed->sending retry path.
	Attempts int `json:"attempts,omitempty"`
}

// RecomputeStatus derives the scalar delivery status from the per-
// recipient sets: read when every recipient has read, delivered when
// every recipient has at least fetched. Transitions are applied only
// when legal, so the scalar never regresses.
func (m *Message) RecomputeStatus(recipients []string) {
	if len(recipients) == 0 {
		return
	}
	allRead, allDelivered := true, true
	for _, r := range recipients {
		if !m.ReadByUser(r) {
			allRead = false
			if !m.DeliveredToUser(r) {
				allDelivered = false
			}
		}
	}
	next := m.Status
	switch {
	case allRead:
		next = DeliveryRead
	case allDelivered:
		next = DeliveryDelivered
	}
	if next != m.Status && m.Status.CanTransition(next) {
		m.Status = next
	}
}

// ReadByUser reports whether id is in the read set.
func (m *Message) ReadByUser(id string) bool {
	for _, u := range m.ReadBy {
		if u == id {
			return true
		}
	}
	return false
}

// MarkRead adds id to the read set; returns false if already present.
func (m *Message) MarkRead(id string) bool {
	if m.ReadByUser(id) {
		return false
	}
	m.ReadBy = append(m.ReadBy, id)
	return true
}

// DeliveredToUser reports whether id has fetched the message.
func (m *Message) DeliveredToUser(id string) bool {
	for _, u := range m.DeliveredTo {
		if u == id {
			return true
		}
	}
	return false
}

// Unread reports whether the message counts against id's unread counter:
// authored by someone else, not tombstoned, and not yet read by id.
func (m *Message) Unread(id string) bool {
	return m.Sender != id && !m.Deleted && !m.ReadByUser(id)
}
