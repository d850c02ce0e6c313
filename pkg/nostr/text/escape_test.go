package text

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendQuoted(t *testing.T) {
	for _, s := range []string{
		"",
		"plain",
		"quote \" and \\ slash",
		"tabs\tnew\nlines\r\n",
		"\x00\x01\x0b\x0e\x1a\x1f",
		"<html> & stuff",
		"unicode ✓ 🙂",
	} {
		out := Quote(s)
		var back string
		require.NoError(t, json.Unmarshal(out, &back))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, `"<a&b>"`, string(Quote("<a&b>")))
	assert.Equal(t, `"\u001f"`, string(Quote("\x1f")))
}
