// Package permission decides whether one identity may message another.
// The result is advisory at evaluation time; callers re-run the check
// inside the same store transaction that appends the message, closing
// the gap between check and act.
package permission

import (
	"fmt"

	"chatd/pkg/identity"
)

// Decision is the outcome of evaluating a sender/recipient pair.
type Decision string

const (
	// Allowed: send proceeds and a fresh conversation starts accepted.
	Allowed Decision = "allowed"
	// AllowedAsRequest: send proceeds but a fresh conversation starts
	// pending, subject to the request gate.
	AllowedAsRequest Decision = "allowed_as_request"
	// Blocked: send is rejected outright.
	Blocked Decision = "blocked"
)

type Evaluator struct {
	ids identity.Provider
}

func NewEvaluator(ids identity.Provider) *Evaluator {
	return &Evaluator{ids: ids}
}

// PairBlocked reports whether either side of the pair has blocked the
// other. This is the only part of the evaluation that applies to an
// existing conversation: privacy settings govern creation, a block
// severs the pair no matter when it lands.
func (e *Evaluator) PairBlocked(a, b string) (bool, error) {
	blocked, err := e.ids.IsBlocked(a, b)
	if err != nil {
		return true, fmt.Errorf("block check: %w", err)
	}
	if !blocked {
		blocked, err = e.ids.IsBlocked(b, a)
		if err != nil {
			return true, fmt.Errorf("block check: %w", err)
		}
	}
	return blocked, nil
}

// Evaluate applies the block set first, then the recipient's privacy
// setting. "followers" is satisfied when the recipient follows the
// sender; otherwise the send is downgraded to a request.
func (e *Evaluator) Evaluate(senderID, recipientID string) (Decision, error) {
	if senderID == recipientID {
		return Blocked, nil
	}
	blocked, err := e.PairBlocked(senderID, recipientID)
	if err != nil {
		return Blocked, err
	}
	if blocked {
		return Blocked, nil
	}

	privacy, err := e.ids.PrivacySetting(recipientID)
	if err != nil {
		return Blocked, fmt.Errorf("privacy lookup: %w", err)
	}
	switch privacy {
	case identity.PrivacyNobody:
		return Blocked, nil
	case identity.PrivacyFollowers:
		follows, err := e.ids.IsFollowing(recipientID, senderID)
		if err != nil {
			return Blocked, fmt.Errorf("follow lookup: %w", err)
		}
		if follows {
			return Allowed, nil
		}
		return AllowedAsRequest, nil
	default:
		return Allowed, nil
	}
}
