package workspaceeditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI_RemovesColorCodes(t *testing.T) {
	in := "\x1b[31mred\x1b[0m plain"
	assert.Equal(t, "red plain", stripANSI(in))
}

func TestSanitizeForXoblas_StripsAnsiAndNewlines(t *testing.T) {
	in := []byte("\x1b[32m{\"a\":1}\x1b[0m\n")
	assert.Equal(t, `{"a":1}`, sanitizeForXoblas(in))
}
