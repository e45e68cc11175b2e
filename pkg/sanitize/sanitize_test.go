package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"trims", "  Ana Souza  ", 100, "Ana Souza"},
		{"strips tags", "<b>Ana</b>", 100, "Ana"},
		{"drops script body", "Ana<script>alert(1)</script>", 100, "Ana"},
		{"collapses whitespace", "Ana \t\n Souza", 100, "Ana Souza"},
		{"truncates by rune", "Joãozinho", 4, "João"},
		{"control chars", "Ana\x00\x07", 100, "Ana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.input, tt.maxLen))
		})
	}
}

func TestSanitizeEmail(t *testing.T) {
	assert.Equal(t, "ana@example.com", SanitizeEmail("  Ana@Example.COM "))
	assert.Equal(t, "ana@example.com", SanitizeEmail("<ana@example.com>"))
	assert.True(t, ValidateEmailFormat("ana@example.com"))
	assert.False(t, ValidateEmailFormat("ana@"))
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "MRN-00042", RecordID(" MRN-00042 "))
	assert.Equal(t, "abc", RecordID("a<b>c"))
}

func TestNotes(t *testing.T) {
	assert.Equal(t, "line one\nline two", Notes("<p>line one</p>\nline two\x00", 0))
	assert.Equal(t, "abc", Notes("abcdef", 3))
}
