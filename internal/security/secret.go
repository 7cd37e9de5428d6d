package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is the cost used by HashSecret when none is given.
const DefaultBcryptCost = 12

// MinSecretLength is the shortest admin secret accepted by HashSecret.
const MinSecretLength = 8

const sha256Prefix = "sha256:"

var (
	// ErrInvalidReference is returned for stored secret references in an unknown format.
	ErrInvalidReference = errors.New("invalid secret reference")

	// ErrWeakSecret is returned when a new secret is too short.
	ErrWeakSecret = errors.New("secret is too short")
)

// SecretVerifier checks a presented secret against a stored reference.
// Implementations must compare in constant time.
type SecretVerifier interface {
	Matches(secret string) bool
}

// NewSecretVerifier builds a verifier from a stored reference. Two formats are accepted:
// a bcrypt hash ($2a$, $2b$ or $2y$) and "sha256:" followed by a hex digest.
func NewSecretVerifier(reference string) (SecretVerifier, error) {
	reference = strings.TrimSpace(reference)
	switch {
	case reference == "":
		return nil, fmt.Errorf("%w: empty", ErrInvalidReference)
	case strings.HasPrefix(reference, "$2a$"), strings.HasPrefix(reference, "$2b$"), strings.HasPrefix(reference, "$2y$"):
		if _, err := bcrypt.Cost([]byte(reference)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		return bcryptVerifier{hash: []byte(reference)}, nil
	case strings.HasPrefix(reference, sha256Prefix):
		digest, err := hex.DecodeString(strings.TrimPrefix(reference, sha256Prefix))
		if err != nil || len(digest) != sha256.Size {
			return nil, fmt.Errorf("%w: malformed sha256 digest", ErrInvalidReference)
		}
		return sha256Verifier{digest: digest}, nil
	}
	return nil, fmt.Errorf("%w: unsupported format", ErrInvalidReference)
}

// HashSecret returns a bcrypt reference for secret. A cost of 0 uses DefaultBcryptCost.
func HashSecret(secret string, cost int) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrWeakSecret, MinSecretLength)
	}
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SHA256Reference returns a "sha256:<hex>" reference for secret.
func SHA256Reference(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return sha256Prefix + hex.EncodeToString(sum[:])
}

type bcryptVerifier struct {
	hash []byte
}

func (v bcryptVerifier) Matches(secret string) bool {
	return bcrypt.CompareHashAndPassword(v.hash, []byte(secret)) == nil
}

type sha256Verifier struct {
	digest []byte
}

func (v sha256Verifier) Matches(secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(sum[:], v.digest) == 1
}
