package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 12 * time.Hour

var errMissingSubjectClaim = errors.New("subject claim must be provided")

// SessionIssuerConfig configures the session token issuer.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints session tokens the validator accepts. Production sessions come from
// the login system; the issuer serves operator tooling and tests.
type SessionIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// SessionSubject describes the user a token is minted for.
type SessionSubject struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Roles       []string
	Guest       bool
}

// NewSessionIssuer constructs an issuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed session token and its expiry.
func (i *SessionIssuer) Issue(subject SessionSubject) (string, time.Time, error) {
	userID := strings.TrimSpace(subject.UserID)
	if userID == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}
	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	claims := SessionClaims{
		UserID:          userID,
		UserDisplayName: subject.DisplayName,
		UserAvatarURL:   subject.AvatarURL,
		UserRoles:       subject.Roles,
		Guest:           subject.Guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
