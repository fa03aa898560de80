package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeProperty(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"vm-worker-01", "vm-worker-01"},
		{"my_instance.v2", "my_instance.v2"},
		{"bad name!", "badname"},
		{"<script>", "script"},
		{"тест", ""},
		{"a b\tc", "abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeProperty(tt.in), "input %q", tt.in)
	}
}

func TestValidateProperty(t *testing.T) {
	got, err := ValidateProperty("name", "vm-01")
	require.NoError(t, err)
	assert.Equal(t, "vm-01", got)

	_, err = ValidateProperty("name", "!!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}
