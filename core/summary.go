package core

// ActionItem is a follow-up extracted from a run's notes.
type ActionItem struct {
	Title    string `json:"title" bson:"title"`
	Assignee string `json:"assignee" bson:"assignee"`
}

// Summary is the structured result extracted at the end of a run.
// NoActionItems is the explicit marker for runs that produced none.
type Summary struct {
	ActionItems   []ActionItem `json:"actionItems" bson:"action_items"`
	Blockers      []string     `json:"blockers" bson:"blockers"`
	Goals         []string     `json:"goals" bson:"goals"`
	NoActionItems bool         `json:"noActionItems" bson:"no_action_items"`
}

// Normalize replaces nil slices with empty ones and sets the NoActionItems
// marker when there are no action items.
func (s Summary) Normalize() Summary {
	if s.ActionItems == nil {
		s.ActionItems = []ActionItem{}
	}
	if s.Blockers == nil {
		s.Blockers = []string{}
	}
	if s.Goals == nil {
		s.Goals = []string{}
	}
	s.NoActionItems = len(s.ActionItems) == 0
	return s
}

// Clone returns a deep copy of s.
func (s Summary) Clone() Summary {
	out := s
	out.ActionItems = append([]ActionItem(nil), s.ActionItems...)
	out.Blockers = append([]string(nil), s.Blockers...)
	out.Goals = append([]string(nil), s.Goals...)
	return out
}
