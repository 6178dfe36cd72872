// Package validation rejects malformed drafts before any write begins,
// so a failed validation never needs a rollback.
package validation

import (
	"fmt"
	"strings"

	"chatd/pkg/models"
)

// Rules bound the accepted shape of a message draft. Zero values fall
// back to defaults in SetRules.
type Rules struct {
	MaxBodyLen     int
	MaxAttachments int
	AllowedKinds   []string
}

var rules = Rules{MaxBodyLen: 8192, MaxAttachments: 10}

// SetRules installs the active rule set, normally from config at boot.
func SetRules(r Rules) {
	if r.MaxBodyLen <= 0 {
		r.MaxBodyLen = 8192
	}
	if r.MaxAttachments <= 0 {
		r.MaxAttachments = 10
	}
	rules = r
}

// ValidateDraft checks a message draft: a body or at least one
// attachment, length caps, and attachment shape.
func ValidateDraft(body string, attachments []models.Attachment) error {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return fmt.Errorf("empty message: %w", models.ErrValidation)
	}
	if len(body) > rules.MaxBodyLen {
		return fmt.Errorf("body exceeds %d bytes: %w", rules.MaxBodyLen, models.ErrValidation)
	}
	if len(attachments) > rules.MaxAttachments {
		return fmt.Errorf("too many attachments (max %d): %w", rules.MaxAttachments, models.ErrValidation)
	}
	for i, a := range attachments {
		if a.URL == "" {
			return fmt.Errorf("attachment %d has no url: %w", i, models.ErrValidation)
		}
		if a.Kind == "" {
			return fmt.Errorf("attachment %d has no kind: %w", i, models.ErrValidation)
		}
		if len(rules.AllowedKinds) > 0 && !contains(rules.AllowedKinds, a.Kind) {
			return fmt.Errorf("attachment kind %q not allowed: %w", a.Kind, models.ErrValidation)
		}
	}
	return nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
