// Package unixcrypt verifies plaintext passwords against crypt(3)-style hashes
// as stored in an appliance's user registry.
package unixcrypt

import (
	"errors"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

// Scheme is the leading marker of a crypt-format hash.
type Scheme string

const (
	SchemeSHA512 Scheme = "$6$"
	SchemeSHA256 Scheme = "$5$"
	SchemeMD5    Scheme = "$1$"
)

// ErrUnsupportedScheme is returned when a stored hash carries a marker that is
// not one of the supported crypt families.
var ErrUnsupportedScheme = errors.New("unsupported password hash scheme")

// schemes is ordered strongest first.
var schemes = []struct {
	scheme Scheme
	crypt  crypt.Crypt
}{
	{SchemeSHA512, crypt.SHA512},
	{SchemeSHA256, crypt.SHA256},
	{SchemeMD5, crypt.MD5},
}

// SchemeOf returns the scheme marker of hash.
func SchemeOf(hash string) (Scheme, error) {
	for _, s := range schemes {
		if strings.HasPrefix(hash, string(s.scheme)) {
			return s.scheme, nil
		}
	}
	return "", ErrUnsupportedScheme
}

// Verify reports whether plaintext hashes to stored under the scheme named by
// stored's marker. An empty stored hash is a plain mismatch, not an error.
// The final comparison is constant time.
func Verify(plaintext, stored string) (bool, error) {
	if stored == "" {
		return false, nil
	}
	for _, s := range schemes {
		if !strings.HasPrefix(stored, string(s.scheme)) {
			continue
		}
		// ErrKeyMismatch, or a malformed salt/rounds field
		if err := s.crypt.New().Verify(stored, []byte(plaintext)); err != nil {
			return false, nil
		}
		return true, nil
	}
	return false, ErrUnsupportedScheme
}

// Generate hashes plaintext with the given scheme and a random salt.
func Generate(scheme Scheme, plaintext string) (string, error) {
	for _, s := range schemes {
		if s.scheme == scheme {
			return s.crypt.New().Generate([]byte(plaintext), nil)
		}
	}
	return "", ErrUnsupportedScheme
}
