package middleware

import (
	"errors"
	"unicode/utf8"
)

// maxContentLength bounds inbound message content (~100KB).
const maxContentLength = 100000

// ValidateMessageContent validates inbound user message content.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}
