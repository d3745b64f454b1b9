package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims identify the owner (recruiter) a token acts for. A non-empty
// InterviewID narrows the token to that single interview, which is how
// candidate-facing relay links are issued.
type Claims struct {
	InterviewID string `json:"interview_id,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID is the token subject.
func (c *Claims) OwnerID() string {
	return c.Subject
}

// Allows reports whether the token may act on an interview owned by ownerID.
func (c *Claims) Allows(interviewID, ownerID string) bool {
	if c.InterviewID != "" && c.InterviewID != interviewID {
		return false
	}
	return c.Subject != "" && c.Subject == ownerID
}

// Maker issues and verifies HS256 tokens.
type Maker struct {
	secret []byte
}

func NewMaker(secret string) (*Maker, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	return &Maker{secret: []byte(secret)}, nil
}

func (m *Maker) Issue(ownerID, interviewID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		InterviewID: interviewID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Maker) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
