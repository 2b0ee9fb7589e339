package authn

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Issuer is the minimal HTTP surface the Token Manager needs; implemented by
// internal/httpclient.Client. Kept as an interface here so authn never
// imports the HTTP layer (callers fetch the bearer token from authn and pass
// it into each httpclient call) and tests can substitute a fake issuer.
type Issuer interface {
	IssueToken(ctx context.Context, deviceID string, iat int64, signature []byte) (rawToken string, expiresAt time.Time, err error)
}

const clockSkewTolerance = 15 * time.Second

// Manager is the Token Manager actor (spec §4.3): GetToken transparently
// refreshes an expired/missing token; RefreshToken is single-flight so
// concurrent callers share one in-flight HTTP call.
type Manager struct {
	deviceID string
	keys     *KeyStore
	issuer   Issuer
	store    *cachedfile.Actor[model.Token]
	logger   zerolog.Logger

	cmds   chan func()
	stopCh chan struct{}
	done   chan struct{}

	refreshing bool
	waiters    []chan refreshResult
}

type refreshResult struct {
	token model.Token
	err   error
}

// NewManager constructs the actor. store is the cached-file actor for the
// token document (0600 permissions per spec §3).
func NewManager(deviceID string, keys *KeyStore, issuer Issuer, store *cachedfile.Actor[model.Token], logger zerolog.Logger) *Manager {
	m := &Manager{
		deviceID: deviceID,
		keys:     keys,
		issuer:   issuer,
		store:    store,
		logger:   logger,
		cmds:     make(chan func(), 64),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		case <-m.stopCh:
			for {
				select {
				case cmd := <-m.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) submit(ctx context.Context, fn func()) error {
	select {
	case <-m.stopCh:
		return errs.NewCryptoError(errs.CodeCryptoInvalidKey, "token manager is shutting down", nil, nil)
	default:
	}
	select {
	case m.cmds <- fn:
		return nil
	case <-m.stopCh:
		return errs.NewCryptoError(errs.CodeCryptoInvalidKey, "token manager is shutting down", nil, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetToken returns the current token, transparently refreshing first if it
// is missing or expired.
func (m *Manager) GetToken(ctx context.Context) (model.Token, error) {
	current, err := m.store.Get(ctx)
	if err != nil {
		return model.Token{}, err
	}
	if !current.Expired(time.Now().UTC()) {
		return current, nil
	}
	return m.RefreshToken(ctx)
}

// RefreshToken performs (or joins) a single in-flight refresh.
func (m *Manager) RefreshToken(ctx context.Context) (model.Token, error) {
	reply := make(chan refreshResult, 1)
	err := m.submit(ctx, func() {
		m.waiters = append(m.waiters, reply)
		if m.refreshing {
			return
		}
		m.refreshing = true
		go m.doRefresh()
	})
	if err != nil {
		return model.Token{}, err
	}

	select {
	case res := <-reply:
		return res.token, res.err
	case <-ctx.Done():
		return model.Token{}, ctx.Err()
	}
}

// doRefresh runs the network call outside the actor goroutine (so the actor
// keeps accepting RefreshToken calls, which join the waiter list, while the
// refresh is in flight) and then reports completion back through the actor
// so the waiter list is drained under serialization.
func (m *Manager) doRefresh() {
	token, err := m.issueNewToken(context.Background())

	done := make(chan struct{})
	_ = m.submit(context.Background(), func() {
		defer close(done)
		waiters := m.waiters
		m.waiters = nil
		m.refreshing = false
		for _, w := range waiters {
			w <- refreshResult{token: token, err: err}
		}
	})
	<-done
}

func (m *Manager) issueNewToken(ctx context.Context) (model.Token, error) {
	iat := time.Now().UTC().Unix()
	signature, err := m.signChallenge(iat)
	if err != nil {
		return model.Token{}, err
	}

	raw, expiresAt, err := m.issuer.IssueToken(ctx, m.deviceID, iat, signature)
	if err != nil {
		return model.Token{}, err
	}

	if err := m.validateIssuedToken(raw); err != nil {
		return model.Token{}, err
	}

	token := model.Token{Token: raw, ExpiresAt: expiresAt}
	newToken := token.Token
	newExpiry := token.ExpiresAt
	if _, err := m.store.Patch(ctx, model.TokenPatch{Token: &newToken, ExpiresAt: &newExpiry}); err != nil {
		return model.Token{}, err
	}
	return token, nil
}

// signChallenge signs device_id||iat with RSASSA/SHA-256 (spec §4.3 step 2).
func (m *Manager) signChallenge(iat int64) ([]byte, error) {
	if m.keys.PrivateKey == nil {
		return nil, errs.NewCryptoError(errs.CodeCryptoInvalidKey, "no private key loaded", nil, nil)
	}
	challenge := fmt.Sprintf("%s%d", m.deviceID, iat)
	digest := sha256.Sum256([]byte(challenge))
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.keys.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errs.NewCryptoError(errs.CodeCryptoSignFailed, "sign challenge", err, nil)
	}
	return sig, nil
}

// validateIssuedToken decodes (without verifying signature locally, per
// spec §4.3 step 5 — the server is authoritative) the returned JWT's claims.
func (m *Manager) validateIssuedToken(raw string) error {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "parse issued token", err, nil)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "unexpected claims type", nil, nil)
	}

	iss, _ := claims["iss"].(string)
	aud, _ := claims["aud"].(string)
	sub, _ := claims["sub"].(string)
	if iss != "miru" {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "unexpected issuer", nil, map[string]string{"iss": iss})
	}
	if aud != "device" {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "unexpected audience", nil, map[string]string{"aud": aud})
	}
	if sub != m.deviceID {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "unexpected subject", nil, map[string]string{"sub": sub})
	}

	now := time.Now().UTC()

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "missing iat claim", err, nil)
	}
	if iat.Time.After(now.Add(clockSkewTolerance)) {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "iat too far in the future", nil, nil)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "missing exp claim", err, nil)
	}
	if !exp.Time.After(now) {
		return errs.NewCryptoError(errs.CodeCryptoBadJWT, "token already expired", nil, nil)
	}

	return nil
}

// Shutdown stops the actor after draining any queued command.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
