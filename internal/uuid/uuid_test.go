// Package uuid tests for identifier generation.
package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_isValidV7(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), "generated id %q should be valid", id)

	parsed, err := Parse(id)
	require.NoError(t, err)
	assert.EqualValues(t, 7, parsed.Version())
}

func TestNew_unique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"123e4567-e89b-42d3-a456-426614174000", true},
		{"01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"123e4567-e89b-12d3-a456-426614174000", false},
		{"123e4567e89b42d3a456426614174000", false},
		{"not-a-uuid", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.in))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(New()))
	assert.Error(t, Validate("abc"))
}

func TestParse_rejectsOtherVersions(t *testing.T) {
	_, err := Parse("123e4567-e89b-12d3-a456-426614174000")
	assert.Error(t, err)

	_, err = Parse("garbage")
	assert.Error(t, err)
}
