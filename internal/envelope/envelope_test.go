package envelope

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildParse_RoundTrip(t *testing.T) {
	var fileID [32]byte
	var iv [12]byte
	for i := range fileID {
		fileID[i] = byte(i)
	}
	for i := range iv {
		iv[i] = byte(i + 1)
	}
	ciphertext := []byte("super secret payload + tag")

	blob := Build(fileID, iv, ciphertext)
	env, legacy, err := Parse(blob)
	require.NoError(t, err)
	assert.Nil(t, legacy)
	assert.Equal(t, fileID, env.FileID)
	assert.Equal(t, iv, env.IV)
	assert.Equal(t, ciphertext, env.Ciphertext)
}

func TestParse_LegacyWALRUS1(t *testing.T) {
	header := []byte(`{"alg":"aes-gcm","version":1}`)
	var hdrLen [4]byte
	binary.BigEndian.PutUint32(hdrLen[:], uint32(len(header)))

	blob := append([]byte("WALRUS1"), hdrLen[:]...)
	blob = append(blob, header...)
	blob = append(blob, []byte("ciphertext-bytes")...)

	env, legacy, err := Parse(blob)
	require.NoError(t, err)
	require.NotNil(t, legacy)
	assert.Equal(t, "aes-gcm", (*legacy)["alg"])
	assert.Equal(t, []byte("ciphertext-bytes"), env.Ciphertext)
}

func TestParse_TooShort(t *testing.T) {
	_, _, err := Parse([]byte("short"))
	require.Error(t, err)
}
