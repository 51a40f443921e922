package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveBasisKeysDeterministic(t *testing.T) {
	var salt [SaltSize]byte
	copy(salt[:], randBytes(t, SaltSize))

	a, err := DeriveBasisKeys([]byte("abc123"), salt, "work", FastKDF())
	require.NoError(t, err)
	defer a.Wipe()
	b, err := DeriveBasisKeys([]byte("abc123"), salt, "work", FastKDF())
	require.NoError(t, err)
	defer b.Wipe()

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.IV(), b.IV())
	assert.Equal(t, a.PageKey(), b.PageKey())
	assert.NotEqual(t, a.PageKey(), a.HeaderKey())
	assert.NotEqual(t, a.HeaderKey(), a.RecordKey())
}

func TestDeriveBasisKeysSensitivity(t *testing.T) {
	var salt, other [SaltSize]byte
	copy(salt[:], randBytes(t, SaltSize))
	copy(other[:], randBytes(t, SaltSize))

	base, err := DeriveBasisKeys([]byte("abc123"), salt, "work", FastKDF())
	require.NoError(t, err)
	defer base.Wipe()

	for name, in := range map[string]struct {
		pw   string
		salt [SaltSize]byte
		name string
	}{
		"password": {"abc124", salt, "work"},
		"name":     {"abc123", salt, "home"},
		"salt":     {"abc123", other, "work"},
	} {
		t.Run(name, func(t *testing.T) {
			k, err := DeriveBasisKeys([]byte(in.pw), in.salt, in.name, FastKDF())
			require.NoError(t, err)
			defer k.Wipe()
			assert.NotEqual(t, base.Key(), k.Key())
			assert.NotEqual(t, base.IV(), k.IV())
		})
	}
}

func TestCombineSalt(t *testing.T) {
	var salt [SaltSize]byte
	assert.Equal(t, salt, CombineSalt(salt, ""))
	c := CombineSalt(salt, "ab")
	assert.Equal(t, byte('a'), c[0])
	assert.Equal(t, byte('b'), c[1])
	assert.NotEqual(t, CombineSalt(salt, "work"), CombineSalt(salt, "home"))
}

func TestBasisKeysWipe(t *testing.T) {
	var salt [SaltSize]byte
	k, err := DeriveBasisKeys([]byte("pw"), salt, "x", FastKDF())
	require.NoError(t, err)
	buf := k.buf
	k.Wipe()
	assert.Nil(t, k.buf)
	for _, v := range buf {
		require.Zero(t, v)
	}
	k.Wipe()
}

func TestKDFParamsValidate(t *testing.T) {
	for _, p := range []KDFParams{DefaultDesktopKDF(), DefaultMobileKDF(), FastKDF()} {
		assert.NoError(t, p.Validate())
	}
	for _, p := range []KDFParams{
		{M: 64, T: 1, P: 0},
		{M: 64, T: 0, P: 1},
		{M: 7, T: 1, P: 1},
		{M: MaxKDFMemory + 1, T: 1, P: 1},
		{M: 64, T: MaxKDFTime + 1, P: 1},
	} {
		assert.ErrorIs(t, p.Validate(), ErrKDFParams, "%+v", p)
	}

	_, err := DeriveBackupKey([]byte("pw"), make([]byte, SaltSize), KDFParams{M: 64, T: 1})
	assert.ErrorIs(t, err, ErrKDFParams)
	_, err = DeriveBasisKeys([]byte("pw"), [SaltSize]byte{}, "x", KDFParams{})
	assert.ErrorIs(t, err, ErrKDFParams)
}
