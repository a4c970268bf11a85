package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() string {
	return hex.EncodeToString(make([]byte, 32))
}

func TestFromHexSeed_RejectsWrongLength(t *testing.T) {
	_, err := FromHexSeed("0xabcd")
	require.Error(t, err)
}

func TestFromHexSeed_AcceptsWithAndWithoutPrefix(t *testing.T) {
	seed := testSeed()
	w1, err := FromHexSeed(seed)
	require.NoError(t, err)
	w2, err := FromHexSeed("0x" + seed)
	require.NoError(t, err)

	addr1, err := w1.AddressForUser("user-1")
	require.NoError(t, err)
	addr2, err := w2.AddressForUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2)
}

func TestAddressForUser_DeterministicAndDistinct(t *testing.T) {
	w, err := FromHexSeed(testSeed())
	require.NoError(t, err)

	a1, err := w.AddressForUser("user-1")
	require.NoError(t, err)
	a1again, err := w.AddressForUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, a1, a1again)

	a2, err := w.AddressForUser("user-2")
	require.NoError(t, err)
	assert.NotEqual(t, a1, a2)
}

func TestSignForUser_VerifiableSignature(t *testing.T) {
	w, err := FromHexSeed(testSeed())
	require.NoError(t, err)

	digest := []byte("some transaction hash")
	sig, addr, err := w.SignForUser("user-1", digest)
	require.NoError(t, err)
	require.Len(t, sig, 96)

	pub := ed25519.PublicKey(sig[64:])
	assert.True(t, ed25519.Verify(pub, digest, sig[:64]))

	wantAddr, err := w.AddressForUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, wantAddr, addr)
}

func TestNewRandomAndFromMnemonic_RoundTrip(t *testing.T) {
	_, mnemonic, err := NewRandom(128)
	require.NoError(t, err)

	w, err := FromMnemonic(mnemonic, "")
	require.NoError(t, err)

	_, err = w.AddressForUser("user-1")
	require.NoError(t, err)
}
