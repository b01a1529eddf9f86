package wakeup

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/wakeup/internal/database/models"
)

// ErrInvalidSnooze is returned for a manual snooze duration that is not one of
// the configured options.
var ErrInvalidSnooze = errors.New("invalid snooze duration")

// ErrSnoozeLimit is returned when a wake-up chain has used up its manual
// snoozes.
var ErrSnoozeLimit = errors.New("snooze limit reached")

// dtmfSnooze maps the digits offered by the wake-up menu to minutes.
var dtmfSnooze = map[string]int{
	"1": 5,
	"2": 10,
}

// DTMFDurations returns the snooze durations reachable from the phone menu,
// in ascending order.
func DTMFDurations() []int {
	out := make([]int, 0, len(dtmfSnooze))
	for _, m := range dtmfSnooze {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// DTMFMenu returns a copy of the digit to minutes mapping.
func DTMFMenu() map[string]int {
	return maps.Clone(dtmfSnooze)
}

// SnoozeForDigit returns the snooze minutes for a pressed digit. Any other
// input, including an empty one, means no snooze.
func SnoozeForDigit(digit string) (int, bool) {
	m, ok := dtmfSnooze[strings.TrimSpace(digit)]
	return m, ok
}

// Successor builds the alarm that replaces a snoozed one. It keeps the room
// and the original audio reference and links back to its parent.
func Successor(parent models.Alarm, minutes int, from time.Time) models.Alarm {
	parentID := parent.ID
	var audio *int64
	if parent.AudioMessageID != nil {
		id := *parent.AudioMessageID
		audio = &id
	}
	return models.Alarm{
		RoomNumber:     parent.RoomNumber,
		AlarmTime:      from.Add(time.Duration(minutes) * time.Minute),
		AudioMessageID: audio,
		Status:         models.AlarmScheduled,
		SnoozeCount:    parent.SnoozeCount + 1,
		ParentAlarmID:  &parentID,
	}
}

// SnoozePolicy bounds manual snoozes requested by the front desk.
type SnoozePolicy struct {
	Options     []int // accepted durations in minutes
	MaxAttempts int   // maximum snooze_count before refusing; 0 disables the limit
}

// Check validates a manual snooze of minutes for an alarm that has already
// been snoozed snoozeCount times.
func (p SnoozePolicy) Check(minutes, snoozeCount int) error {
	if !slices.Contains(p.Options, minutes) {
		return fmt.Errorf("%w: %d minutes (allowed %v)", ErrInvalidSnooze, minutes, p.Options)
	}
	if p.MaxAttempts > 0 && snoozeCount >= p.MaxAttempts {
		return fmt.Errorf("%w: %d of %d", ErrSnoozeLimit, snoozeCount, p.MaxAttempts)
	}
	return nil
}

// containsToken reports whether name contains token as a stand-alone number,
// so "Snooze 5 min" matches 5 but "Snooze 15 min" does not.
func containsToken(name, token string) bool {
	for i := 0; i+len(token) <= len(name); {
		j := strings.Index(name[i:], token)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(token)
		before := start == 0 || !isDigit(name[start-1])
		after := end == len(name) || !isDigit(name[end])
		if before && after {
			return true
		}
		i = start + 1
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// SelectConfirmation returns the first snooze confirmation message in store
// order whose language matches and whose name carries the duration token.
func SelectConfirmation(msgs []models.AudioMessage, language string, minutes int) *models.AudioMessage {
	token := strconv.Itoa(minutes)
	for i := range msgs {
		m := &msgs[i]
		if m.ActionType != models.ActionSnoozeConfirm || !strings.EqualFold(m.Language, language) {
			continue
		}
		if containsToken(m.Name, token) {
			return m
		}
	}
	return nil
}

// SelectWakeUp returns the first wake-up message in store order for language.
func SelectWakeUp(msgs []models.AudioMessage, language string) *models.AudioMessage {
	for i := range msgs {
		if msgs[i].ActionType == models.ActionWakeUp && strings.EqualFold(msgs[i].Language, language) {
			return &msgs[i]
		}
	}
	return nil
}
