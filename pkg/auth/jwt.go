package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/config"
	"github.com/dmehra2102/prod-golang-projects/osteosync/internal/domain"
)

type tokenType string

const (
	accessTokenType   tokenType = "access"
	approvalTokenType tokenType = "approval"
)

var (
	ErrTokenExpired      = errors.New("token has expired")
	ErrTokenInvalid      = errors.New("token is invalid")
	ErrTokenTypeMismatch = errors.New("wrong token type")
)

type osteosyncClaims struct {
	jwt.RegisteredClaims
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	TokenType tokenType `json:"token_type"`
}

// Approval is a short-lived grant to commit one previewed retroactive plan.
type Approval struct {
	Subject   string
	Digest    string
	ExpiresAt time.Time
}

type JWTManager struct {
	cfg config.JWTConfig
	now func() time.Time
}

func NewJWTManager(cfg config.JWTConfig) *JWTManager {
	return &JWTManager{cfg: cfg, now: time.Now}
}

func (m *JWTManager) GenerateAccessToken(claims *domain.Claims) (string, time.Time, error) {
	return m.sign(osteosyncClaims{
		Email:     claims.Email,
		Role:      string(claims.Role),
		TokenType: accessTokenType,
	}, claims.UserID, m.cfg.AccessTokenTTL)
}

func (m *JWTManager) ValidateAccessToken(tokenString string) (*domain.Claims, error) {
	claims, err := m.parse(tokenString, accessTokenType)
	if err != nil {
		return nil, err
	}
	return &domain.Claims{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   domain.Role(claims.Role),
	}, nil
}

// IssueApproval binds a plan digest to the user who previewed it.
func (m *JWTManager) IssueApproval(subject, digest string, ttl time.Duration) (string, error) {
	token, _, err := m.sign(osteosyncClaims{
		Digest:    digest,
		TokenType: approvalTokenType,
	}, subject, ttl)
	return token, err
}

func (m *JWTManager) ValidateApproval(tokenString string) (*Approval, error) {
	claims, err := m.parse(tokenString, approvalTokenType)
	if err != nil {
		return nil, err
	}
	if claims.Digest == "" {
		return nil, ErrTokenInvalid
	}
	return &Approval{
		Subject:   claims.Subject,
		Digest:    claims.Digest,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (m *JWTManager) sign(c osteosyncClaims, subject string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}
	now := m.now()
	expiresAt := now.Add(ttl)

	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.cfg.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		// 10 seconds of skew for clock drift between instances
		NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(m.cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

func (m *JWTManager) parse(tokenString string, expectedType tokenType) (*osteosyncClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&osteosyncClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(m.cfg.Secret), nil
		},
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*osteosyncClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.TokenType != expectedType {
		return nil, ErrTokenTypeMismatch
	}

	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
