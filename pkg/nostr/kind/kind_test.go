package kind

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClasses(t *testing.T) {
	assert.True(t, ProfileMetadata.IsReplaceable())
	assert.True(t, RelayListMetadata.IsReplaceable())
	assert.False(t, TextNote.IsReplaceable())
	assert.True(t, ClientAuthentication.IsEphemeral())
	assert.False(t, RelayListMetadata.IsEphemeral())
	assert.True(t, T(30023).IsParameterizedReplaceable())
	assert.False(t, T(40000).IsParameterizedReplaceable())
}

func TestString(t *testing.T) {
	assert.Equal(t, "TextNote", TextNote.String())
	assert.Equal(t, "Kind1984", T(1984).String())
}
