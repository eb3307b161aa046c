package engine

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/roundtable/agent"
	"github.com/hupe1980/roundtable/core"
)

// DefaultSummaryInstructions asks the summarizer for a single JSON object.
const DefaultSummaryInstructions = `You are the note taker of a team meeting. Read the notes of every role and
extract the outcome. Respond with a single JSON object and nothing else:
{"action_items":[{"title":"...","assignee":"..."}],"blockers":["..."],"goals":["..."]}
Use empty arrays when there is nothing to report.`

// buildSummaryPrompt lists the notes of every role that spoke, each bounded to
// window characters.
func buildSummaryPrompt(state *core.SessionState, window int) string {
	var b strings.Builder
	b.WriteString("Situation:\n")
	b.WriteString(state.Situation)
	for _, role := range state.Roles() {
		notes := state.RecentNotes(role, window)
		if notes == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\nNotes from %s:\n%s", role, notes)
	}
	return b.String()
}

// ParseSummary extracts a summary from model output. The output must contain
// a JSON object; surrounding prose and code fences are ignored. It reports
// false when no valid object is found.
func ParseSummary(text string) (core.Summary, bool) {
	raw, ok := jsonObject(text)
	if !ok {
		return core.Summary{}, false
	}
	doc := gjson.Parse(raw)

	var s core.Summary
	items := doc.Get("action_items")
	if !items.Exists() {
		items = doc.Get("actionItems")
	}
	for _, it := range items.Array() {
		var item core.ActionItem
		if it.IsObject() {
			item.Title = strings.TrimSpace(it.Get("title").String())
			item.Assignee = strings.TrimSpace(it.Get("assignee").String())
			if item.Assignee == "" {
				item.Assignee = strings.TrimSpace(it.Get("owner").String())
			}
		} else {
			item = parseAction(it.String(), "")
		}
		if item.Title != "" {
			s.ActionItems = append(s.ActionItems, item)
		}
	}
	s.Blockers = stringList(doc.Get("blockers"))
	s.Goals = stringList(doc.Get("goals"))
	return s.Normalize(), true
}

func jsonObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", false
	}
	raw := text[start : end+1]
	if !gjson.Valid(raw) {
		return "", false
	}
	return raw, true
}

func stringList(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ExtractSummary scans notes for ACTION:, BLOCKER: and GOAL: lines. Action
// items without an "@assignee" are assigned to the role that wrote them.
// Duplicates are dropped case-insensitively.
func ExtractSummary(state *core.SessionState) core.Summary {
	var s core.Summary
	seen := map[string]bool{}
	add := func(kind, v string) bool {
		key := kind + "\x00" + strings.ToLower(v)
		if v == "" || seen[key] {
			return false
		}
		seen[key] = true
		return true
	}

	for _, role := range state.Roles() {
		for _, note := range state.Notes(role) {
			for _, line := range strings.Split(note, "\n") {
				line = strings.TrimLeft(strings.TrimSpace(line), "-*• ")
				if v, ok := cutMarker(line, agent.MarkerAction); ok {
					item := parseAction(v, role)
					if add("action", item.Title) {
						s.ActionItems = append(s.ActionItems, item)
					}
				} else if v, ok := cutMarker(line, agent.MarkerBlocker); ok {
					if add("blocker", v) {
						s.Blockers = append(s.Blockers, v)
					}
				} else if v, ok := cutMarker(line, agent.MarkerGoal); ok {
					if add("goal", v) {
						s.Goals = append(s.Goals, v)
					}
				}
			}
		}
	}
	return s.Normalize()
}

// parseAction splits "title @assignee". defaultAssignee is used when no
// assignee is named.
func parseAction(v, defaultAssignee string) core.ActionItem {
	v = strings.TrimSpace(v)
	item := core.ActionItem{Title: v, Assignee: defaultAssignee}
	if i := strings.LastIndex(v, "@"); i >= 0 {
		assignee := strings.TrimSpace(v[i+1:])
		if assignee != "" && !strings.ContainsAny(assignee, " \t") {
			item.Title = strings.TrimSpace(v[:i])
			item.Assignee = assignee
		}
	}
	return item
}

// cutMarker reports whether line starts with marker (case-insensitive) and
// returns the trimmed remainder.
func cutMarker(line, marker string) (string, bool) {
	if len(line) < len(marker) || !strings.EqualFold(line[:len(marker)], marker) {
		return "", false
	}
	return strings.TrimSpace(line[len(marker):]), true
}

// signalsClosure reports whether text contains a "NEXT TOPIC:" line with no
// suggestion.
func signalsClosure(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "-*• ")
		v, ok := cutMarker(line, agent.MarkerNextTopic)
		if !ok {
			continue
		}
		switch strings.ToLower(strings.Trim(v, " .")) {
		case "", "none", "n/a":
			return true
		}
	}
	return false
}
