// Package identity issues and verifies the anonymous identity tokens that
// stand in for signup. Tokens are HS256 JWTs verified locally; no lookup is
// made on the verification path.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"pdfchat/internal/util"
	"pdfchat/pkg/domain"
)

const (
	defaultIssuer       = "pdfchat"
	defaultAudience     = "pdfchat-api"
	defaultKeyID        = "session-active"
	defaultTTL          = 30 * 24 * time.Hour
	defaultRefreshAfter = 24 * time.Hour
	minSecretBytes      = 16
)

var defaultLeeway = 30 * time.Second

var (
	// ErrInvalidCredential covers malformed tokens and signature failures.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrExpired is returned for well-signed tokens past their expiry.
	ErrExpired = errors.New("credential expired")
)

// UserCreator persists newly minted anonymous users.
type UserCreator interface {
	CreateUser(ctx context.Context, u domain.User) error
}

// Options configures signing keys and claim validation.
type Options struct {
	Secret string
	KeyID  string
	// PreviousSecrets maps kid -> secret for keys that still verify during rotation.
	PreviousSecrets map[string]string
	TTL             time.Duration
	RefreshAfter    time.Duration
	Issuer          string
	Audience        string
	Leeway          time.Duration
}

// Identity is the result of authenticating one request.
type Identity struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
	// Issued is set when Token differs from the presented credential and the
	// transport has to store it.
	Issued bool
	// Created is set when a new user record was made in this call.
	Created bool
	// Recovered holds ErrInvalidCredential or ErrExpired when a presented
	// credential was rejected and replaced by a new identity.
	Recovered error
}

// Claims is the verified content of a token.
type Claims struct {
	UserID    string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Provider implements anonymous authentication.
type Provider struct {
	users UserCreator

	signKey   []byte
	signKid   string
	verifiers map[string][]byte

	ttl          time.Duration
	refreshAfter time.Duration
	issuer       string
	audience     string
	leeway       time.Duration

	now func() time.Time
}

// NewProvider validates key material and builds a Provider.
func NewProvider(users UserCreator, opts Options) (*Provider, error) {
	if users == nil {
		return nil, errors.New("identity: user store required")
	}
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("identity: session secret must be at least %d bytes", minSecretBytes)
	}
	opts = normalizeOptions(opts)

	verifiers := map[string][]byte{opts.KeyID: []byte(secret)}
	for kid, prev := range opts.PreviousSecrets {
		kid = strings.TrimSpace(kid)
		prev = strings.TrimSpace(prev)
		if kid == "" || prev == "" || kid == opts.KeyID {
			continue
		}
		verifiers[kid] = []byte(prev)
	}
	return &Provider{
		users:        users,
		signKey:      []byte(secret),
		signKid:      opts.KeyID,
		verifiers:    verifiers,
		ttl:          opts.TTL,
		refreshAfter: opts.RefreshAfter,
		issuer:       opts.Issuer,
		audience:     opts.Audience,
		leeway:       opts.Leeway,
		now:          time.Now,
	}, nil
}

// TTL reports the lifetime of issued tokens.
func (p *Provider) TTL() time.Duration { return p.ttl }

// Authenticate resolves the caller. A missing, malformed, forged or expired
// credential never fails the call: a new user and token are issued instead and
// the reason is reported in Identity.Recovered. Only persistence errors are returned.
func (p *Provider) Authenticate(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential != "" {
		claims, err := p.Verify(credential)
		if err == nil {
			return p.keepOrRefresh(credential, claims)
		}
		ident, createErr := p.bootstrap(ctx)
		if createErr != nil {
			return Identity{}, createErr
		}
		switch {
		case errors.Is(err, ErrExpired):
			ident.Recovered = ErrExpired
		default:
			ident.Recovered = ErrInvalidCredential
		}
		return ident, nil
	}
	return p.bootstrap(ctx)
}

// NeedsBootstrap reports whether Authenticate would create a new user for credential.
func (p *Provider) NeedsBootstrap(credential string) bool {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return true
	}
	_, err := p.Verify(credential)
	return err != nil
}

// Issue signs a token bound to userID with the active key.
func (p *Provider) Issue(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("identity: user id required")
	}
	now := p.now().UTC()
	exp := now.Add(p.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        randomHexID(12),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = p.signKid
	signed, err := token.SignedString(p.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign identity token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry.
// The returned error wraps ErrExpired or ErrInvalidCredential.
func (p *Provider) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidCredential
	}
	var kid string
	registered := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &registered, func(t *jwt.Token) (any, error) {
		kid, _ = t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		key, ok := p.verifiers[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.leeway),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidCredential
	}
	if strings.TrimSpace(registered.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrInvalidCredential)
	}
	if strings.TrimSpace(registered.ID) == "" {
		return Claims{}, fmt.Errorf("%w: jti missing", ErrInvalidCredential)
	}
	claims := Claims{UserID: registered.Subject, KeyID: kid}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time.UTC()
	}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

func (p *Provider) keepOrRefresh(credential string, claims Claims) (Identity, error) {
	stale := p.refreshAfter > 0 && p.now().Sub(claims.IssuedAt) >= p.refreshAfter
	if !stale && claims.KeyID == p.signKid {
		return Identity{UserID: claims.UserID, Token: credential, ExpiresAt: claims.ExpiresAt}, nil
	}
	token, exp, err := p.Issue(claims.UserID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Token: token, ExpiresAt: exp, Issued: true}, nil
}

func (p *Provider) bootstrap(ctx context.Context) (Identity, error) {
	user := domain.User{ID: util.NewResourceID(), CreatedAt: p.now().UTC()}
	if err := p.users.CreateUser(ctx, user); err != nil {
		return Identity{}, fmt.Errorf("create anonymous user: %w", err)
	}
	token, exp, err := p.Issue(user.ID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: user.ID, Token: token, ExpiresAt: exp, Issued: true, Created: true}, nil
}

func normalizeOptions(opts Options) Options {
	opts.KeyID = strings.TrimSpace(opts.KeyID)
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.KeyID == "" {
		opts.KeyID = defaultKeyID
	}
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.RefreshAfter == 0 {
		opts.RefreshAfter = defaultRefreshAfter
	}
	if opts.RefreshAfter >= opts.TTL {
		opts.RefreshAfter = opts.TTL / 2
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return opts
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
