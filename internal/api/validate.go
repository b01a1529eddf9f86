package api

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// maxNameLen is the maximum length for name and description fields.
const maxNameLen = 200

// extensionRe validates phone extensions: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

// roomNumberRe allows room numbers such as "101", "12B" or "A-3".
var roomNumberRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,19}$`)

// languageRe matches short language tags: "it", "en", "pt-BR".
var languageRe = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z]{2,4})?$`)

// dtmfRe matches a single keypad digit.
var dtmfRe = regexp.MustCompile(`^[0-9*#]$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

func validateRoomNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !roomNumberRe.MatchString(value) {
		return field + " must be 1-20 letters, digits or dashes"
	}
	return ""
}

// validateExtension checks an optional extension number.
func validateExtension(field, value string) string {
	if value == "" {
		return ""
	}
	if !extensionRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

func validateLanguage(field, value string) string {
	if value == "" {
		return ""
	}
	if !languageRe.MatchString(value) {
		return field + " must be a language tag such as it or en"
	}
	return ""
}

func validateActionType(field, value string) string {
	switch value {
	case models.ActionWakeUp, models.ActionSnoozeConfirm, models.ActionGoodbye:
		return ""
	}
	return field + " must be one of wake_up, snooze_confirm, goodbye"
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
