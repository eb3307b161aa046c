package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Role is the immutable definition of one participant.
type Role struct {
	Name         string `json:"name" yaml:"name"`
	Instructions string `json:"instructions" yaml:"instructions"`
	Position     int    `json:"position" yaml:"position"`
}

// DefaultRoles returns the four standard roles of a team meeting.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:     "facilitator",
			Position: 0,
			Instructions: "You are the {{.role}} of a team meeting about: {{.situation}}. " +
				"Frame the topic \"{{.topic}}\", keep the discussion focused and name open questions.",
		},
		{
			Name:     "engineer",
			Position: 1,
			Instructions: "You are the {{.role}} in a meeting about: {{.situation}}. " +
				"Assess technical feasibility, risks and effort for \"{{.topic}}\".",
		},
		{
			Name:     "product",
			Position: 2,
			Instructions: "You are the {{.role}} owner in a meeting about: {{.situation}}. " +
				"Weigh user value and priorities for \"{{.topic}}\" and state concrete goals.",
		},
		{
			Name:     "qa",
			Position: 3,
			Instructions: "You are the {{.role}} lead in a meeting about: {{.situation}}. " +
				"Identify quality risks, blockers and verification steps for \"{{.topic}}\".",
		},
	}
}

// Roster is the fixed rotation of roles, ordered by position.
type Roster struct {
	roles []Role
}

// NewRoster validates roles and orders them by position.
func NewRoster(roles ...Role) (*Roster, error) {
	if len(roles) == 0 {
		return nil, errors.New("roster requires at least one role")
	}
	names := make(map[string]bool, len(roles))
	positions := make(map[int]string, len(roles))
	var errs []error
	for _, r := range roles {
		name := strings.TrimSpace(r.Name)
		switch {
		case name == "":
			errs = append(errs, errors.New("role name is required"))
			continue
		case names[name]:
			errs = append(errs, fmt.Errorf("duplicate role %q", name))
			continue
		}
		if other, ok := positions[r.Position]; ok {
			errs = append(errs, fmt.Errorf("roles %q and %q share position %d", other, name, r.Position))
		}
		names[name] = true
		positions[r.Position] = name
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sorted := append([]Role(nil), roles...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	return &Roster{roles: sorted}, nil
}

// DefaultRoster returns the roster of DefaultRoles.
func DefaultRoster() *Roster {
	r, err := NewRoster(DefaultRoles()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Len returns the number of roles in one rotation.
func (r *Roster) Len() int { return len(r.roles) }

// Roles returns the roles in rotation order.
func (r *Roster) Roles() []Role { return append([]Role(nil), r.roles...) }

// At returns the role speaking at turn index i (zero based).
func (r *Roster) At(i int) Role { return r.roles[i%len(r.roles)] }

// Names returns role names in rotation order.
func (r *Roster) Names() []string {
	out := make([]string, len(r.roles))
	for i, role := range r.roles {
		out[i] = role.Name
	}
	return out
}
