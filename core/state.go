package core

import (
	"strings"
	"unicode/utf8"
)

// noteSeparator joins consecutive notes of a role in windows and transcripts.
const noteSeparator = "\n\n"

// SessionState is the mutable conversational state of a single orchestrator
// run. It is owned exclusively by that run and is not safe for concurrent use.
//
// Contract:
//   - TurnCount never exceeds MaxTurns (the orchestrator checks before each turn)
//   - Notes are kept per role in the order they were produced
//   - RecentNotes returns a bounded window, never the full history
type SessionState struct {
	Situation        string
	Context          string
	RetrievedContext string
	Topics           []string
	TopicIndex       int
	TurnCount        int
	MaxTurns         int
	ActionItems      []ActionItem
	Blockers         []string
	Goals            []string

	notes map[string][]string
	roles []string
}

// NewSessionState creates the state for one run. roles lists the rotation
// order and fixes the key order of transcripts.
func NewSessionState(situation, context string, topics []string, maxTurns int, roles []string) *SessionState {
	return &SessionState{
		Situation: situation,
		Context:   context,
		Topics:    append([]string(nil), topics...),
		MaxTurns:  maxTurns,
		notes:     make(map[string][]string, len(roles)),
		roles:     append([]string(nil), roles...),
	}
}

// CurrentTopic returns the topic of the current round.
func (s *SessionState) CurrentTopic() (string, bool) {
	if s.TopicIndex < 0 || s.TopicIndex >= len(s.Topics) {
		return "", false
	}
	return s.Topics[s.TopicIndex], true
}

// AdvanceTopic moves to the next topic. It reports false when the topic list
// is exhausted.
func (s *SessionState) AdvanceTopic() bool {
	s.TopicIndex++
	return s.TopicIndex < len(s.Topics)
}

// TopicsExhausted reports whether every topic has been discussed.
func (s *SessionState) TopicsExhausted() bool {
	return s.TopicIndex >= len(s.Topics)
}

// TurnBudgetReached reports whether no further turn may be taken.
func (s *SessionState) TurnBudgetReached() bool {
	return s.TurnCount >= s.MaxTurns
}

// RecordSummary stores the extracted action items, blockers and goals.
func (s *SessionState) RecordSummary(sum Summary) {
	c := sum.Clone()
	s.ActionItems, s.Blockers, s.Goals = c.ActionItems, c.Blockers, c.Goals
}

// Summary returns a normalized copy of the extracted items.
func (s *SessionState) Summary() Summary {
	return Summary{ActionItems: s.ActionItems, Blockers: s.Blockers, Goals: s.Goals}.Clone().Normalize()
}

// AppendNote appends text to the note buffer of role.
func (s *SessionState) AppendNote(role, text string) {
	s.notes[role] = append(s.notes[role], text)
}

// Notes returns a copy of the notes produced by role.
func (s *SessionState) Notes(role string) []string {
	return append([]string(nil), s.notes[role]...)
}

// RecentNotes returns the most recent notes of role that fit into maxChars
// runes, oldest first. When even the newest note does not fit, its tail is
// returned.
func (s *SessionState) RecentNotes(role string, maxChars int) string {
	notes := s.notes[role]
	if maxChars <= 0 || len(notes) == 0 {
		return ""
	}
	var window []string
	used := 0
	for i := len(notes) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(notes[i])
		if len(window) > 0 {
			n += len(noteSeparator)
		}
		if used+n > maxChars {
			if len(window) == 0 {
				window = append(window, tail(notes[i], maxChars))
			}
			break
		}
		window = append(window, notes[i])
		used += n
	}
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return strings.Join(window, noteSeparator)
}

// Transcript returns the accumulated notes per role. Roles that never spoke
// are omitted, so a run without turns yields an empty map.
func (s *SessionState) Transcript() map[string]string {
	out := make(map[string]string, len(s.notes))
	for _, role := range s.roles {
		if notes := s.notes[role]; len(notes) > 0 {
			out[role] = strings.Join(notes, noteSeparator)
		}
	}
	return out
}

// Roles returns the rotation order the state was created with.
func (s *SessionState) Roles() []string {
	return append([]string(nil), s.roles...)
}

func tail(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[len(r)-maxRunes:])
}
