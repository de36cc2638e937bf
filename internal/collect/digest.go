package collect

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// DefaultAlgorithm is the digest algorithm used when none is configured.
const DefaultAlgorithm = "sha1"

func supportedAlgorithm(algorithm string) bool {
	switch algorithm {
	case "md5", "sha1", "sha256":
		return true
	}
	return false
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("collect: unsupported hash algorithm %q", algorithm)
}

// HashFile computes the hex digest of the file content.
func HashFile(path, algorithm string) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("collect: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("collect: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// digest returns the file digest, preferring the precomputed sidecar cache
// <path>.<algorithm>. A freshly computed digest is persisted back to the
// sidecar unless caching is disabled; a failed cache write is only a warning.
func (c *Collector) digest(path string, noCache bool) (string, error) {
	sidecar := path + "." + c.algorithm
	if cached, ok := readDigestSidecar(sidecar); ok {
		return cached, nil
	}
	digest, err := c.hashFile(path, c.algorithm)
	if err != nil {
		return "", err
	}
	if !noCache {
		if err := os.WriteFile(sidecar, []byte(digest+"\n"), 0o644); err != nil {
			c.log.Warn().Err(err).Str("path", sidecar).Msg("could not write digest cache")
		}
	}
	return digest, nil
}

func readDigestSidecar(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", false
	}
	// sidecars may hold "digest" or "digest  filename" (checksum tool format)
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}
