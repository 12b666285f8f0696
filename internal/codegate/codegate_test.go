package codegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		expected  string
		submitted string
		want      bool
	}{
		{"exact", "ALPHA-9", "ALPHA-9", true},
		{"lower case", "ALPHA-9", "alpha-9", true},
		{"mixed case", "Beta-Vix", "bETA-vIX", true},
		{"scanner newline", "EXIT-7", "EXIT-7\n", true},
		{"mismatch", "ALPHA-9", "ALPHA-8", false},
		{"prefix", "ALPHA-9", "ALPHA", false},
		{"empty submitted", "ALPHA-9", "", false},
		{"empty expected", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Validate(tt.expected, tt.submitted))
		})
	}
}
