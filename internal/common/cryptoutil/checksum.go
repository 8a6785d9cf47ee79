// Package cryptoutil parses and verifies file checksums
package cryptoutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/deploymenttheory/go-scenario-composer/internal/common/errors"
)

// HashAlgorithm names a supported digest
type HashAlgorithm string

const (
	MD5    HashAlgorithm = "md5"
	SHA1   HashAlgorithm = "sha1"
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
)

// Checksum is an expected digest, e.g. parsed from "sha256:<hex>"
type Checksum struct {
	Algorithm HashAlgorithm
	Hex       string
}

// ParseChecksum accepts "<algorithm>:<hex>" or bare hex, which is taken as sha256.
// An empty string yields a zero Checksum.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}

	algo, sum := SHA256, s
	if parts := strings.SplitN(s, ":", 2); len(parts) == 2 {
		algo, sum = HashAlgorithm(strings.ToLower(parts[0])), parts[1]
	}

	if _, err := NewHash(algo); err != nil {
		return Checksum{}, err
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return Checksum{}, fmt.Errorf("%w: checksum %q is not hex", errors.ErrInvalidArgument, sum)
	}
	return Checksum{Algorithm: algo, Hex: strings.ToLower(sum)}, nil
}

// IsZero reports whether no checksum was given
func (c Checksum) IsZero() bool {
	return c.Hex == ""
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Algorithm) + ":" + c.Hex
}

// Matches compares a hex digest against the expected one
func (c Checksum) Matches(actual string) bool {
	return strings.EqualFold(c.Hex, actual)
}

// NewHash returns a fresh hash for algorithm
func NewHash(algorithm HashAlgorithm) (hash.Hash, error) {
	switch HashAlgorithm(strings.ToLower(string(algorithm))) {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: unsupported hash algorithm '%s'", errors.ErrInvalidArgument, algorithm)
}

// FileDigest returns the hex digest of a file
func FileDigest(path string, algorithm HashAlgorithm) (string, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", errors.ErrFileNotFound, path)
		}
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash operation failed: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile reports whether the file matches c. A zero Checksum always matches.
func VerifyFile(path string, c Checksum) (bool, error) {
	if c.IsZero() {
		return true, nil
	}
	actual, err := FileDigest(path, c.Algorithm)
	if err != nil {
		return false, err
	}
	return c.Matches(actual), nil
}
