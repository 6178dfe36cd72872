package models

// MessageRequest is the derived inbox view of a pending direct
// conversation: what the recipient sees before deciding to accept,
// decline, or block. It shares its id with the conversation.
type MessageRequest struct {
	ID           string `json:"id"`
	RequesterID  string `json:"requester_id"`
	RecipientID  string `json:"recipient_id"`
	FirstPreview string `json:"first_preview,omitempty"`
	Acknowledged bool   `json:"acknowledged,omitempty"`
	CreatedTS    int64  `json:"created_ts"`
}

// RequestDecision is the recipient's resolution of a message request.
type RequestDecision string

const (
	DecisionAccept  RequestDecision = "accept"
	DecisionDecline RequestDecision = "decline"
	DecisionBlock   RequestDecision = "block"
)
