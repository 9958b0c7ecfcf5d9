package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"pdfchat/pkg/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type recordingUsers struct {
	mu    sync.Mutex
	users []domain.User
	err   error
}

func (r *recordingUsers) CreateUser(_ context.Context, u domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.users = append(r.users, u)
	return nil
}

func (r *recordingUsers) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func newTestProvider(t *testing.T, users UserCreator, opts Options) *Provider {
	t.Helper()
	if opts.Secret == "" {
		opts.Secret = testSecret
	}
	p, err := NewProvider(users, opts)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestNewProviderRejectsShortSecret(t *testing.T) {
	if _, err := NewProvider(&recordingUsers{}, Options{Secret: "short"}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestAuthenticateWithoutCredentialCreatesUser(t *testing.T) {
	users := &recordingUsers{}
	p := newTestProvider(t, users, Options{})

	ident, err := p.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.UserID == "" || ident.Token == "" {
		t.Fatalf("expected user id and token, got %+v", ident)
	}
	if !ident.Issued || !ident.Created {
		t.Fatalf("expected issued new identity, got %+v", ident)
	}
	if ident.Recovered != nil {
		t.Fatalf("unexpected recovered reason: %v", ident.Recovered)
	}
	if users.count() != 1 {
		t.Fatalf("expected 1 user created, got %d", users.count())
	}
}

func TestAuthenticateValidTokenKeepsIdentity(t *testing.T) {
	users := &recordingUsers{}
	p := newTestProvider(t, users, Options{})

	first, err := p.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	second, err := p.Authenticate(context.Background(), first.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if second.UserID != first.UserID {
		t.Fatalf("user id changed: %q -> %q", first.UserID, second.UserID)
	}
	if second.Issued || second.Created {
		t.Fatalf("expected token to be reused, got %+v", second)
	}
	if users.count() != 1 {
		t.Fatalf("expected no extra user, got %d", users.count())
	}
}

func TestNeedsBootstrapMatchesAuthenticate(t *testing.T) {
	users := &recordingUsers{}
	p := newTestProvider(t, users, Options{})
	ident, err := p.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, tc := range []struct {
		credential string
		want       bool
	}{
		{credential: "", want: true},
		{credential: "   ", want: true},
		{credential: "not-a-jwt", want: true},
		{credential: ident.Token, want: false},
	} {
		if got := p.NeedsBootstrap(tc.credential); got != tc.want {
			t.Fatalf("NeedsBootstrap(%q) = %v, want %v", tc.credential, got, tc.want)
		}
	}
	if users.count() != 1 {
		t.Fatalf("NeedsBootstrap must not create users, got %d", users.count())
	}
}

func TestAuthenticateRecoversFromForgedToken(t *testing.T) {
	users := &recordingUsers{}
	p := newTestProvider(t, users, Options{})
	forger := newTestProvider(t, &recordingUsers{}, Options{Secret: "another-secret-that-is-long-enough"})

	forged, _, err := forger.Issue("victim")
	if err != nil {
		t.Fatalf("issue forged: %v", err)
	}
	ident, err := p.Authenticate(context.Background(), forged)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !errors.Is(ident.Recovered, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential recovery, got %v", ident.Recovered)
	}
	if ident.UserID == "victim" {
		t.Fatalf("forged identity was accepted")
	}
	if !ident.Created {
		t.Fatalf("expected a new user to be created")
	}
}

func TestAuthenticateRecoversFromGarbage(t *testing.T) {
	p := newTestProvider(t, &recordingUsers{}, Options{})
	ident, err := p.Authenticate(context.Background(), "not-a-jwt")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !errors.Is(ident.Recovered, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential recovery, got %v", ident.Recovered)
	}
}

func TestAuthenticateRecoversFromExpiredToken(t *testing.T) {
	users := &recordingUsers{}
	p := newTestProvider(t, users, Options{TTL: time.Hour, Leeway: time.Second})

	base := time.Now().UTC()
	p.now = func() time.Time { return base.Add(-2 * time.Hour) }
	old, _, err := p.Issue("user-old")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p.now = func() time.Time { return base }

	if _, err := p.Verify(old); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired from verify, got %v", err)
	}
	ident, err := p.Authenticate(context.Background(), old)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !errors.Is(ident.Recovered, ErrExpired) {
		t.Fatalf("expected ErrExpired recovery, got %v", ident.Recovered)
	}
	if ident.UserID == "user-old" {
		t.Fatalf("expired identity should not be reused")
	}
}

func TestAuthenticateRefreshesStaleToken(t *testing.T) {
	p := newTestProvider(t, &recordingUsers{}, Options{TTL: 48 * time.Hour, RefreshAfter: time.Hour})

	base := time.Now().UTC()
	p.now = func() time.Time { return base.Add(-2 * time.Hour) }
	old, _, err := p.Issue("user-stale")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p.now = func() time.Time { return base }

	ident, err := p.Authenticate(context.Background(), old)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.UserID != "user-stale" {
		t.Fatalf("refresh changed user: %q", ident.UserID)
	}
	if !ident.Issued || ident.Token == old {
		t.Fatalf("expected a refreshed token, got %+v", ident)
	}
	if ident.Created {
		t.Fatalf("refresh should not create a user")
	}
}

func TestAuthenticateAcceptsPreviousKeyAndReissues(t *testing.T) {
	oldSecret := "previous-secret-previous-secret"
	oldProvider := newTestProvider(t, &recordingUsers{}, Options{Secret: oldSecret, KeyID: "kid-old"})
	token, _, err := oldProvider.Issue("user-rotated")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	p := newTestProvider(t, &recordingUsers{}, Options{
		KeyID:           "kid-new",
		PreviousSecrets: map[string]string{"kid-old": oldSecret},
	})
	ident, err := p.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if ident.UserID != "user-rotated" {
		t.Fatalf("expected rotated user to be kept, got %q", ident.UserID)
	}
	if !ident.Issued {
		t.Fatalf("expected token re-signed with active key")
	}
	claims, err := p.Verify(ident.Token)
	if err != nil {
		t.Fatalf("verify reissued token: %v", err)
	}
	if claims.KeyID != "kid-new" {
		t.Fatalf("reissued token kid = %q", claims.KeyID)
	}
}

func TestVerifyRejectsMissingKidAndJTI(t *testing.T) {
	p := newTestProvider(t, &recordingUsers{}, Options{})
	now := time.Now().UTC()
	base := jwt.RegisteredClaims{
		Subject:   "user-x",
		Issuer:    defaultIssuer,
		Audience:  jwt.ClaimStrings{defaultAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        "jti-1",
	}

	noKid := jwt.NewWithClaims(jwt.SigningMethodHS256, base)
	signed, err := noKid.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := p.Verify(signed); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected missing kid to fail, got %v", err)
	}

	noJTI := base
	noJTI.ID = ""
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, noJTI)
	tok.Header["kid"] = defaultKeyID
	signed, err = tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := p.Verify(signed); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected missing jti to fail, got %v", err)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	signer := newTestProvider(t, &recordingUsers{}, Options{Audience: "aud-a"})
	verifier := newTestProvider(t, &recordingUsers{}, Options{Audience: "aud-b"})
	token, _, err := signer.Issue("user-aud")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestAuthenticateSurfacesStoreFailure(t *testing.T) {
	users := &recordingUsers{err: errors.New("db down")}
	p := newTestProvider(t, users, Options{})
	if _, err := p.Authenticate(context.Background(), ""); err == nil {
		t.Fatalf("expected store failure to be returned")
	}
}
