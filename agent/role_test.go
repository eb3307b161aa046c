package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRoster(t *testing.T) {
	r := DefaultRoster()
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, []string{"facilitator", "engineer", "product", "qa"}, r.Names())
	assert.Equal(t, "facilitator", r.At(4).Name)
	assert.Equal(t, "qa", r.At(7).Name)
}

func TestNewRosterOrdersByPosition(t *testing.T) {
	r, err := NewRoster(
		Role{Name: "c", Position: 10},
		Role{Name: "a", Position: -1},
		Role{Name: "b", Position: 3},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, r.Names())

	roles := r.Roles()
	roles[0].Name = "mutated"
	assert.Equal(t, "a", r.At(0).Name, "Roles must return a copy")
}

func TestNewRosterValidation(t *testing.T) {
	_, err := NewRoster()
	require.Error(t, err)

	_, err = NewRoster(Role{Name: " "})
	require.ErrorContains(t, err, "name is required")

	_, err = NewRoster(Role{Name: "a", Position: 0}, Role{Name: "a", Position: 1})
	require.ErrorContains(t, err, "duplicate role")

	_, err = NewRoster(Role{Name: "a", Position: 1}, Role{Name: "b", Position: 1})
	require.ErrorContains(t, err, "share position")
}
