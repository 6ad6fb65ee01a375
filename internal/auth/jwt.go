package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWTAuthenticator struct {
	secret     string
	aud        string
	iss        string
	sessionExp time.Duration
}

func NewJWTAuthenticator(secret, aud, iss string, sessionExp time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, aud: aud, iss: iss, sessionExp: sessionExp}
}

// GenerateSessionToken binds the anti-forgery token into the session claims,
// so the CSRF check is a plain string compare against a signed value.
func (a *JWTAuthenticator) GenerateSessionToken(subject, csrfToken string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"csrf": csrfToken,
		"exp":  time.Now().Add(a.sessionExp).Unix(),
		"iat":  time.Now().Unix(),
		"nbf":  time.Now().Unix(),
		"iss":  a.iss,
		"aud":  a.aud,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.secret))
}

// ValidateSessionToken validates the admin session token
func (a *JWTAuthenticator) ValidateSessionToken(token string) (*jwt.Token, error) {
	return jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.secret), nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
}
