package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"modhost/pkg/auth"
)

var ErrMissingSecret = errors.New("token secret is required")

const DefaultExpiration = 24 * time.Hour

type Config struct {
	SecretKey  string        `mapstructure:"token_secret"`
	Algorithm  string        `mapstructure:"algorithm"`
	Issuer     string        `mapstructure:"issuer"`
	Expiration time.Duration `mapstructure:"ttl"`
}

// Provider issues and verifies HMAC-signed session tokens.
type Provider struct {
	secretKey     []byte
	signingMethod jwt.SigningMethod
	issuer        string
	expiration    time.Duration
	now           func() time.Time
}

type Option func(*Provider)

// WithClock replaces time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

type claims struct {
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingSecret
	}
	provider := &Provider{
		secretKey:  []byte(cfg.SecretKey),
		issuer:     cfg.Issuer,
		expiration: cfg.Expiration,
		now:        time.Now,
	}
	if provider.expiration <= 0 {
		provider.expiration = DefaultExpiration
	}

	switch strings.ToUpper(cfg.Algorithm) {
	case "", "HS256":
		provider.signingMethod = jwt.SigningMethodHS256
	case "HS384":
		provider.signingMethod = jwt.SigningMethodHS384
	case "HS512":
		provider.signingMethod = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", cfg.Algorithm)
	}

	for _, opt := range opts {
		opt(provider)
	}
	return provider, nil
}

// Issue signs a token for id. The identity's ExpiresAt is ignored; tokens
// always live for the configured expiration.
func (p *Provider) Issue(id auth.Identity) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("%w: user id is required", auth.ErrInvalidToken)
	}

	now := p.now()
	token := jwt.NewWithClaims(p.signingMethod, claims{
		Username: id.Username,
		Roles:    id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.expiration)),
		},
	})

	signed, err := token.SignedString(p.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (p *Provider) Verify(ctx context.Context, tokenString string) (*auth.Identity, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{p.signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.issuer))
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		return p.secretKey, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return nil, auth.ErrInvalidToken
	}

	return &auth.Identity{
		UserID:    c.Subject,
		Username:  c.Username,
		Roles:     c.Roles,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
