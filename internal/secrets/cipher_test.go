package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/pkg/schema"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c, err := New(Config{MasterKey: key})
	require.NoError(t, err)
	return c
}

func TestCipher_SealOpen(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Seal([]byte("sk-live"))
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "sk-live")

	pt, err := c.Open(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", string(pt))

	again, err := c.Seal([]byte("sk-live"))
	require.NoError(t, err)
	assert.NotEqual(t, ct, again, "nonces differ")
}

func TestCipher_OpenRejectsTampering(t *testing.T) {
	c := testCipher(t)
	ct, err := c.Seal([]byte("value"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = c.Open(ct)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))

	_, err = c.Open([]byte("x"))
	assert.Error(t, err)
}

func TestCipher_Strings(t *testing.T) {
	c := testCipher(t)
	s, err := c.SealString("hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(s))

	out, err := c.OpenString(s)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out)

	plain, err := c.OpenString("not sealed")
	require.NoError(t, err)
	assert.Equal(t, "not sealed", plain)

	_, err = c.OpenString(SealedPrefix + "!!!")
	assert.Error(t, err)
}

func TestCipher_WrongKey(t *testing.T) {
	s, err := testCipher(t).SealString("v")
	require.NoError(t, err)

	other, err := New(Config{MasterKey: make([]byte, 32)})
	require.NoError(t, err)
	_, err = other.OpenString(s)
	assert.Error(t, err)
}

func TestNew_KeyDerivation(t *testing.T) {
	_, err := New(Config{MasterKey: []byte("short")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))

	_, err = New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Passphrase: "pw"})
	assert.Error(t, err, "salt required")

	salt := []byte("0123456789abcdef")
	a, err := New(Config{Passphrase: "pw", Salt: salt, Iterations: 1000})
	require.NoError(t, err)
	b, err := New(Config{Passphrase: "pw", Salt: salt, Iterations: 1000})
	require.NoError(t, err)

	s, err := a.SealString("shared")
	require.NoError(t, err)
	out, err := b.OpenString(s)
	require.NoError(t, err)
	assert.Equal(t, "shared", out)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salt")
	first, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Len(t, first, saltSize)

	second, err := LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err = LoadOrCreateSalt(path)
	assert.Error(t, err)
}
