package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestURL(t *testing.T) {
	for in, out := range map[string]string{
		"":                   "",
		"wss://x.com/y":      "wss://x.com/y",
		"wss://x.com/y/":     "wss://x.com/y",
		"http://x.com/y":     "ws://x.com/y",
		"https://X.com":      "wss://x.com",
		"wss://x.com/":       "wss://x.com",
		"x.com":              "wss://x.com",
		"x.com////":          "wss://x.com",
		"x.com/?x=23":        "wss://x.com?x=23",
		"  ws://localhost:7": "ws://localhost:7",
	} {
		assert.Equal(t, out, URL(in), in)
		assert.Equal(t, out, URL(URL(in)), in)
	}
}

func TestRelay(t *testing.T) {
	r, err := Relay("relay.example.com/")
	assert.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com", r)
	_, err = Relay("")
	assert.ErrorIs(t, err, ErrInvalidURL)
	_, err = Relay("wss://")
	assert.ErrorIs(t, err, ErrInvalidURL)
}
