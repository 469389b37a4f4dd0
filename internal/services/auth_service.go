package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// AuthService turns bearer tokens into actors. Accounts and credentials live
// with the external identity provider; this service only mints and verifies
// the signed tokens it hands out.
type AuthService struct {
	jwtSecret string
	jwtExpiry time.Duration
	clock     clockwork.Clock
}

type actorClaims struct {
	Name         string              `json:"name,omitempty"`
	Capabilities []models.Capability `json:"caps,omitempty"`
	jwt.RegisteredClaims
}

func NewAuthService(jwtSecret string, jwtExpiry time.Duration, clock clockwork.Clock) *AuthService {
	return &AuthService{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
		clock:     clock,
	}
}

// IssueToken signs a token for actor that expires after the configured expiry.
func (s *AuthService) IssueToken(actor models.Actor) (string, time.Time, error) {
	if actor.ID == "" {
		return "", time.Time{}, errors.New("actor id is required")
	}
	now := s.clock.Now()
	expiresAt := now.Add(s.jwtExpiry)

	claims := actorClaims{
		Name:         actor.Name,
		Capabilities: actor.Capabilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *AuthService) VerifyToken(tokenString string) (*models.Actor, error) {
	var claims actorClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &models.Actor{
		ID:           claims.Subject,
		Name:         claims.Name,
		Capabilities: claims.Capabilities,
	}, nil
}

// Authorizer is the capability gate for privileged operations.
type Authorizer interface {
	Can(ctx context.Context, actor models.Actor, capability models.Capability) bool
}

// ClaimsAuthorizer grants exactly the capabilities carried in the actor's token.
type ClaimsAuthorizer struct{}

func (ClaimsAuthorizer) Can(_ context.Context, actor models.Actor, capability models.Capability) bool {
	return actor.Has(capability)
}
