package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPublicKey(t *testing.T) {
	pub, err := GetPublicKey("1797f6f1d10593548b566ba32e81577aa4bc990eb0f16556bf884f1af4b17c25")
	require.NoError(t, err)
	assert.Equal(t, "4fdb07df4a683e3ee9b2a9d117e01bfe2548d7e8c0d4cb56d77e9c23091c3fc3", pub)

	sk := GeneratePrivateKey()
	assert.True(t, IsValid32ByteHex(sk))
	pub, err = GetPublicKey(sk)
	require.NoError(t, err)
	assert.True(t, IsValid32ByteHex(pub))

	_, err = GetPublicKey("zz")
	assert.Error(t, err)
	assert.False(t, IsValid32ByteHex("ABCD"))
}
