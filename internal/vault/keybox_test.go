package vault

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestKeyboxRoundTrip(t *testing.T) {
	kb, err := NewKeybox(testMasterKey(t))
	require.NoError(t, err)

	creds := map[string]string{
		"bot_token":      "123:abc",
		"webhook_secret": "s3cret",
	}
	sealed, err := kb.Seal(creds)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "123:abc")

	opened, err := kb.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, creds, opened)
}

func TestKeyboxNonceIsFresh(t *testing.T) {
	kb, err := NewKeybox(testMasterKey(t))
	require.NoError(t, err)

	creds := map[string]string{"k": "v"}
	a, err := kb.Seal(creds)
	require.NoError(t, err)
	b, err := kb.Seal(creds)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "sealing the same plaintext twice must not repeat ciphertext")
}

func TestKeyboxWrongKey(t *testing.T) {
	sealer, err := NewKeybox(testMasterKey(t))
	require.NoError(t, err)
	opener, err := NewKeybox(testMasterKey(t))
	require.NoError(t, err)

	sealed, err := sealer.Seal(map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = opener.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedCorrupt)
}

func TestKeyboxCorruptCiphertext(t *testing.T) {
	kb, err := NewKeybox(testMasterKey(t))
	require.NoError(t, err)

	sealed, err := kb.Seal(map[string]string{"k": "v"})
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = kb.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedCorrupt)

	_, err = kb.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealedCorrupt)
}

func TestNewKeyboxRejectsBadMasterKey(t *testing.T) {
	_, err := NewKeybox("not base64!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = NewKeybox(short)
	assert.Error(t, err)
}
