package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Incident actions a notification recipient can take without logging in.
const (
	ActionAcknowledge = "acknowledge"
	ActionResolve     = "resolve"
)

// ActionClaims is the signed content of an interactive action token.
type ActionClaims struct {
	IncidentID string `json:"incident_id"`
	UserID     string `json:"user_id"`
	Action     string `json:"action"`
	jwt.RegisteredClaims
}

// ActionTokenIssuer mints and verifies the signed one-tap action links
// embedded in interactive notifications. Tokens are scoped to one incident,
// one user and one action, and expire on their own.
type ActionTokenIssuer struct {
	Secret    []byte
	PublicURL string
	TTL       time.Duration
}

func NewActionTokenIssuer(secret, publicURL string, ttl time.Duration) *ActionTokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ActionTokenIssuer{Secret: []byte(secret), PublicURL: publicURL, TTL: ttl}
}

// Mint returns a signed token authorizing one action on one incident.
func (i *ActionTokenIssuer) Mint(incidentID, userID, action string) (string, error) {
	now := time.Now()
	claims := ActionClaims{
		IncidentID: incidentID,
		UserID:     userID,
		Action:     action,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.TTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}

// ActionURL returns the full callback link for an action, or "" when the
// issuer has no secret or public URL configured.
func (i *ActionTokenIssuer) ActionURL(incidentID, userID, action string) string {
	if len(i.Secret) == 0 || i.PublicURL == "" {
		return ""
	}
	token, err := i.Mint(incidentID, userID, action)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/api/actions/%s?token=%s", i.PublicURL, action, token)
}

// Verify parses and validates a token, rejecting anything not signed with
// HS256 under our secret.
func (i *ActionTokenIssuer) Verify(tokenString string) (*ActionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ActionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid action token: %w", err)
	}
	claims, ok := token.Claims.(*ActionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid action token claims")
	}
	switch claims.Action {
	case ActionAcknowledge, ActionResolve:
	default:
		return nil, fmt.Errorf("unknown action %q in token", claims.Action)
	}
	return claims, nil
}
