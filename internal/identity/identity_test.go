package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadOrGenerate_GeneratesThenReloadsSameIdentity(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keys", "instance_key.pem")

	first, generated, err := LoadOrGenerate(path, "", zap.NewNop())
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, first.ID(), 64)

	second, generated, err := LoadOrGenerate(path, "", zap.NewNop())
	require.NoError(t, err)
	assert.False(t, generated, "existing key must be loaded unchanged")
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.PublicKeyPEM(), second.PublicKeyPEM())
}

func TestLoadOrGenerate_MigratesLegacyKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy_key.pem")
	current := filepath.Join(dir, "data", "instance_key.pem")

	orig, generated, err := LoadOrGenerate(legacy, "", zap.NewNop())
	require.NoError(t, err)
	require.True(t, generated)

	migrated, generated, err := LoadOrGenerate(current, legacy, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, orig.ID(), migrated.ID())

	_, err = os.Stat(legacy)
	assert.ErrorIs(t, err, os.ErrNotExist, "legacy file must be moved, not copied")
	_, err = os.Stat(current)
	assert.NoError(t, err)
}

func TestLoadOrGenerate_CorruptKeyIsFatal(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "instance_key.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a pem"), 0o600))

	_, _, err := LoadOrGenerate(path, "", zap.NewNop())
	require.Error(t, err)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	id, _, err := LoadOrGenerate(filepath.Join(t.TempDir(), "key.pem"), "", zap.NewNop())
	require.NoError(t, err)

	fields := map[string]string{
		"id":     id.ID(),
		"domain": "mesh.example.org",
		"name":   "Test Mesh",
	}
	sig, err := id.Sign(fields)
	require.NoError(t, err)

	require.NoError(t, Verifier{}.Verify(fields, sig, id.PublicKeyPEM()))
}

func TestVerify_RejectsTamperedFields(t *testing.T) {
	t.Parallel()

	id, _, err := LoadOrGenerate(filepath.Join(t.TempDir(), "key.pem"), "", zap.NewNop())
	require.NoError(t, err)

	fields := map[string]string{"domain": "mesh.example.org", "name": "Test"}
	sig, err := id.Sign(fields)
	require.NoError(t, err)

	fields["domain"] = "evil.example.org"
	require.Error(t, Verifier{}.Verify(fields, sig, id.PublicKeyPEM()))
}

func TestVerify_RejectsSubstitutedKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	signer, _, err := LoadOrGenerate(filepath.Join(dir, "a.pem"), "", zap.NewNop())
	require.NoError(t, err)
	other, _, err := LoadOrGenerate(filepath.Join(dir, "b.pem"), "", zap.NewNop())
	require.NoError(t, err)

	fields := map[string]string{"domain": "mesh.example.org"}
	sig, err := signer.Sign(fields)
	require.NoError(t, err)

	require.Error(t, Verifier{}.Verify(fields, sig, other.PublicKeyPEM()))
}

func TestVerify_RejectsGarbageKey(t *testing.T) {
	t.Parallel()

	err := Verifier{}.Verify(map[string]string{"a": "b"}, []byte("sig"), "not a key")
	require.Error(t, err)
}

func TestCanonicalBytes_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := CanonicalBytes(map[string]string{"b": "2", "a": "1", "c": "3"})
	b := CanonicalBytes(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, "a=1\nb=2\nc=3\n", string(a))
}

func TestDeriveID_MatchesIdentityID(t *testing.T) {
	t.Parallel()

	id, _, err := LoadOrGenerate(filepath.Join(t.TempDir(), "key.pem"), "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, id.ID(), DeriveID(id.PublicKeyPEM()))
}
