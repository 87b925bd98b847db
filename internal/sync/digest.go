package sync

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"strings"
)

// DigestFunc hashes a content stream into a stable string. The engine only
// ever compares digests for equality, so any collision-resistant function
// will do.
type DigestFunc func(r io.Reader) (string, error)

// MD5Digest is the default DigestFunc.
func MD5Digest(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// digestEntry hashes the entry at abspath according to its kind: file bytes
// for regular files, the target string for symlinks. Directories have no
// content digest.
func digestEntry(digest DigestFunc, abspath string, fp Fingerprint) (string, error) {
	switch fp.Kind() {
	case KindSymlink:
		target, err := os.Readlink(abspath)
		if err != nil {
			return "", fmt.Errorf("read link %s: %w", abspath, err)
		}
		return digest(strings.NewReader(target))
	case KindRegular:
		f, err := os.Open(abspath)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", abspath, err)
		}
		defer f.Close()
		return digest(f)
	default:
		return "", nil
	}
}
