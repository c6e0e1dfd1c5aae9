package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultAlgorithm  = "sha256"
	DefaultIterations = 1000
)

var errBadSecretFormat = errors.New("stored secret is not algorithm$iterations$hash$salt")

// SecretHash is a parsed PBKDF2 secret in algorithm$iterations$hash$salt form.
// Hash and salt are url-safe base64 text; the salt text itself is the PBKDF2 salt.
type SecretHash struct {
	Algorithm  string
	Iterations int
	Hash       string
	Salt       string
}

func ParseSecretHash(encoded string) (SecretHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return SecretHash{}, errBadSecretFormat
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return SecretHash{}, fmt.Errorf("invalid iterations %q", parts[1])
	}
	if _, _, _, err := hashFunc(parts[0]); err != nil {
		return SecretHash{}, err
	}
	return SecretHash{Algorithm: parts[0], Iterations: iterations, Hash: parts[2], Salt: parts[3]}, nil
}

func (s SecretHash) String() string {
	return fmt.Sprintf("%s$%d$%s$%s", s.Algorithm, s.Iterations, s.Hash, s.Salt)
}

// Matches reports whether proposed derives to the stored hash, in constant time.
func (s SecretHash) Matches(proposed string) bool {
	derived, err := deriveSecret(s.Algorithm, s.Iterations, []byte(proposed), []byte(s.Salt))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(s.Hash)) == 1
}

// HashSecret derives a new stored secret string with a random salt.
func HashSecret(algorithm string, iterations int, secret string) (string, error) {
	_, _, saltLen, err := hashFunc(algorithm)
	if err != nil {
		return "", err
	}
	if iterations <= 0 {
		return "", fmt.Errorf("invalid iterations %d", iterations)
	}
	raw := make([]byte, saltLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	salt := base64.URLEncoding.EncodeToString(raw)
	derived, err := deriveSecret(algorithm, iterations, []byte(secret), []byte(salt))
	if err != nil {
		return "", err
	}
	return SecretHash{Algorithm: algorithm, Iterations: iterations, Hash: derived, Salt: salt}.String(), nil
}

func deriveSecret(algorithm string, iterations int, secret, salt []byte) (string, error) {
	h, keyLen, _, err := hashFunc(algorithm)
	if err != nil {
		return "", err
	}
	if iterations <= 0 {
		return "", fmt.Errorf("invalid iterations %d", iterations)
	}
	return base64.URLEncoding.EncodeToString(pbkdf2.Key(secret, salt, iterations, keyLen, h)), nil
}

// hashFunc returns the PRF, the derived key length and the random salt
// length in bytes for algorithm.
func hashFunc(algorithm string) (h func() hash.Hash, keyLen, saltLen int, err error) {
	switch algorithm {
	case "sha1":
		return sha1.New, 32, 16, nil
	case "sha256":
		return sha256.New, 32, 16, nil
	case "sha512":
		return sha512.New, 64, 32, nil
	default:
		return nil, 0, 0, fmt.Errorf("unsupported secret algorithm %q", algorithm)
	}
}

// GenerateKey returns a random url-safe key of n random bytes.
func GenerateKey(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}
