package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame payload
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmptyContent   = errors.New("chat: message is empty")
	ErrContentTooLong = errors.New("chat: message is too long")
	ErrInvalidContent = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks that outbound chat content meets content
// requirements. Whitespace-only content counts as empty.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyContent
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrContentTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidContent
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrContentTooLong, MaxTextChars)
	}
	return nil
}
