package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidID(t *testing.T) {
	for _, id := range []string{"x1", "xa1b2c3d4e5f60718", "q_a", "a.b-c"} {
		assert.True(t, ValidID(id), id)
	}
	for _, id := range []string{"", ".hidden", "..", "q a", "a/b", `a\b`, "a:b", "a*b", "tab\tid", "nl\n"} {
		assert.False(t, ValidID(id), id)
	}
}
