package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/attachment"
)

// normalizeText trims text and returns nil for blank input.
func normalizeText(text string) *string {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	return &t
}

// validate checks the content rules of a send. text is already normalized.
func (s *Service) validate(text *string, ups []attachment.Upload) error {
	if text == nil && len(ups) == 0 {
		return apperr.Validation("message must have text or attachments")
	}
	if text != nil {
		if !utf8.ValidString(*text) {
			return apperr.Validation("message contains invalid UTF-8")
		}
		if n := utf8.RuneCountInString(*text); s.cfg.MaxTextChars > 0 && n > s.cfg.MaxTextChars {
			return apperr.Validation(fmt.Sprintf("message exceeds %d character limit", s.cfg.MaxTextChars))
		}
	}
	if s.cfg.MaxAttachments > 0 && len(ups) > s.cfg.MaxAttachments {
		return apperr.Validation(fmt.Sprintf("at most %d attachments per message", s.cfg.MaxAttachments))
	}
	for _, up := range ups {
		if s.cfg.MaxAttachmentBytes > 0 && up.Size > s.cfg.MaxAttachmentBytes {
			return apperr.Validation(fmt.Sprintf("attachment %q exceeds %d bytes", up.Name, s.cfg.MaxAttachmentBytes))
		}
	}
	return nil
}
