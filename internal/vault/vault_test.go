package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "sapdash/pkg/domain-errors"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(StaticSecretSource("test-master-secret"))
	require.NoError(t, err)
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)

	cases := []string{
		"Ana",
		"Lee",
		"2012-04-01",
		"ana@example.com",
		"José García-Muñoz 日本語 🙂",
		strings.Repeat("x", 4096),
	}
	for _, plaintext := range cases {
		ct, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		require.NotEmpty(t, ct)

		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEmptyPlaintextMapsToEmptyCiphertext(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt("")
	require.NoError(t, err)
	assert.Nil(t, ct)

	got, err := v.Decrypt(nil)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestCiphertextsAreNotDeterministic(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt("same input")
	require.NoError(t, err)
	b, err := v.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAnySingleFlippedByteFailsClosed(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt("sensitive value")
	require.NoError(t, err)

	for i := range ct {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0x01

		got, err := v.Decrypt(tampered)
		require.Error(t, err, "byte %d", i)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeVault), "byte %d", i)
		assert.Empty(t, got, "byte %d", i)
	}
}

func TestTruncatedCiphertextFailsClosed(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt("sensitive value")
	require.NoError(t, err)

	for _, n := range []int{1, 4, len(ct) / 2, len(ct) - 1} {
		_, err := v.Decrypt(ct[:n])
		require.Error(t, err, "truncated to %d", n)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeVault))
	}
}

func TestDifferentKeysCannotDecrypt(t *testing.T) {
	a := newTestVault(t)
	b, err := New(StaticSecretSource("another-master-secret"))
	require.NoError(t, err)

	ct, err := a.Encrypt("cross-key")
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeVault))
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := New(StaticSecretSource(nil))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeVault))
}
