package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randBytes(t testing.TB, n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestSealCommittedRoundTrip(t *testing.T) {
	key := randBytes(t, 32)
	pt := randBytes(t, 4096)
	c, err := SealCommitted(key, pt, []byte("context"))
	require.NoError(t, err)

	out, err := OpenCommitted(key, c, []byte("context"))
	require.NoError(t, err)
	assert.Equal(t, pt, out)
}

func TestOpenCommittedAADMismatch(t *testing.T) {
	key := randBytes(t, 32)
	c, err := SealCommitted(key, []byte("secret-data"), []byte("aad-1"))
	require.NoError(t, err)
	_, err = OpenCommitted(key, c, []byte("aad-2"))
	assert.ErrorIs(t, err, ErrAuth)
}

func TestOpenCommittedWrongKey(t *testing.T) {
	c, err := SealCommitted(randBytes(t, 32), []byte("secret"), nil)
	require.NoError(t, err)
	_, err = OpenCommitted(randBytes(t, 32), c, nil)
	assert.ErrorIs(t, err, ErrCommitment)
}

func TestOpenCommittedTamper(t *testing.T) {
	key := randBytes(t, 32)
	c, err := SealCommitted(key, []byte("important"), nil)
	require.NoError(t, err)

	ct := append([]byte(nil), c.Ciphertext...)
	ct[0] ^= 0x01
	bad := c
	bad.Ciphertext = ct
	_, err = OpenCommitted(key, bad, nil)
	assert.ErrorIs(t, err, ErrAuth)

	bad = c
	bad.Commitment = append([]byte(nil), c.Commitment...)
	bad.Commitment[3] ^= 0x80
	_, err = OpenCommitted(key, bad, nil)
	assert.ErrorIs(t, err, ErrCommitment)

	bad = c
	bad.CommitNonce = c.CommitNonce[:4]
	_, err = OpenCommitted(key, bad, nil)
	assert.ErrorIs(t, err, ErrCommitment)
}

func TestSealCommittedFreshNonces(t *testing.T) {
	key := randBytes(t, 32)
	a, err := SealCommitted(key, []byte("same"), nil)
	require.NoError(t, err)
	b, err := SealCommitted(key, []byte("same"), nil)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a.Ciphertext, b.Ciphertext))
	assert.False(t, bytes.Equal(a.CommitNonce, b.CommitNonce))
}

func FuzzCommitted(f *testing.F) {
	f.Add([]byte("hello"), []byte("aad"))
	f.Fuzz(func(t *testing.T, pt, aad []byte) {
		key := make([]byte, 32)
		rand.Read(key)
		c, err := SealCommitted(key, pt, aad)
		if err != nil {
			t.Skip()
		}
		got, err := OpenCommitted(key, c, aad)
		if err != nil {
			t.Fatalf("open err: %v", err)
		}
		if !bytes.Equal(pt, got) {
			t.Fatalf("roundtrip mismatch")
		}
	})
}
