package auth

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// bcrypt silently truncates beyond 72 bytes; reject instead.
const maxPasswordLength = 72

const minCost = 10

type Hasher struct {
	cost int
}

func NewHasher(cost int) (*Hasher, error) {
	if cost < minCost {
		return nil, errors.Errorf("bcrypt cost must be >= %d", minCost)
	}
	if cost > bcrypt.MaxCost {
		return nil, errors.Errorf("bcrypt cost must be <= %d", bcrypt.MaxCost)
	}
	return &Hasher{cost: cost}, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt hash")
	}
	return string(digest), nil
}

// Verify reports whether password matches the stored digest. A malformed
// digest counts as a mismatch, not an error, so callers can't distinguish
// the two.
func (h *Hasher) Verify(password, digest string) bool {
	if len(password) > maxPasswordLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}
