package cryptoutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
)

// sha256 and md5 of "hello"
const (
	helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	helloMD5    = "5d41402abc4b2a76b9719d911017c592"
)

func TestParseChecksum(t *testing.T) {
	c, err := ParseChecksum("sha256:" + helloSHA256)
	require.NoError(t, err)
	assert.Equal(t, SHA256, c.Algorithm)
	assert.Equal(t, helloSHA256, c.Hex)

	c, err = ParseChecksum(helloSHA256)
	require.NoError(t, err)
	assert.Equal(t, SHA256, c.Algorithm)

	c, err = ParseChecksum("MD5:" + helloMD5)
	require.NoError(t, err)
	assert.Equal(t, MD5, c.Algorithm)
	assert.Equal(t, "md5:"+helloMD5, c.String())

	c, err = ParseChecksum("  ")
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	_, err = ParseChecksum("crc32:abcd")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = ParseChecksum("sha256:not-hex")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	for _, raw := range []string{helloSHA256, "md5:" + helloMD5, ""} {
		c, err := ParseChecksum(raw)
		require.NoError(t, err)
		ok, err := VerifyFile(path, c)
		require.NoError(t, err)
		assert.True(t, ok, raw)
	}

	c, _ := ParseChecksum("md5:" + helloSHA256[:32])
	ok, err := VerifyFile(path, c)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = FileDigest(filepath.Join(t.TempDir(), "missing"), SHA256)
	assert.ErrorIs(t, err, errors.ErrFileNotFound)
}
