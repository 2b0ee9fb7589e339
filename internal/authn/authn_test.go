package authn

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/filesys"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDeviceID = "dev-1"

func validJWT(t *testing.T, deviceID string, iat, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": "miru",
		"aud": "device",
		"sub": deviceID,
		"iat": iat.Unix(),
		"exp": exp.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("unused-since-unverified"))
	require.NoError(t, err)
	return s
}

type countingIssuer struct {
	mu        sync.Mutex
	calls     int32
	deviceID  string
	expiresIn time.Duration
	t         *testing.T
}

func (i *countingIssuer) IssueToken(ctx context.Context, deviceID string, iat int64, signature []byte) (string, time.Time, error) {
	atomic.AddInt32(&i.calls, 1)
	expiresAt := time.Now().UTC().Add(i.expiresIn)
	return validJWT(i.t, deviceID, time.Unix(iat, 0), expiresAt), expiresAt, nil
}

func newTestManager(t *testing.T, issuer Issuer) *Manager {
	t.Helper()
	dir := t.TempDir()
	keys := NewKeyStore(filepath.Join(dir, "auth"))
	require.NoError(t, keys.EnsureKeyPair())

	store, err := cachedfile.New[model.Token](filepath.Join(dir, "token.json"), filesys.PermPrivateKey, model.Token{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Shutdown(context.Background()) })

	m := NewManager(testDeviceID, keys, issuer, store, zerolog.Nop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestKeyStore_GeneratesThenPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "auth")
	k1 := NewKeyStore(dir)
	require.NoError(t, k1.EnsureKeyPair())

	k2 := NewKeyStore(dir)
	require.NoError(t, k2.EnsureKeyPair())

	assert.Equal(t, k1.PrivateKey.N, k2.PrivateKey.N, "second EnsureKeyPair should load, not regenerate")
}

func TestManager_GetToken_RefreshesWhenExpired(t *testing.T) {
	issuer := &countingIssuer{deviceID: testDeviceID, expiresIn: time.Hour, t: t}
	m := newTestManager(t, issuer)

	token, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issuer.calls))
}

func TestManager_GetToken_ReturnsCachedWhenFresh(t *testing.T) {
	issuer := &countingIssuer{deviceID: testDeviceID, expiresIn: time.Hour, t: t}
	m := newTestManager(t, issuer)

	first, err := m.GetToken(context.Background())
	require.NoError(t, err)
	second, err := m.GetToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issuer.calls))
}

func TestManager_RefreshToken_SingleFlight(t *testing.T) {
	issuer := &countingIssuer{deviceID: testDeviceID, expiresIn: time.Hour, t: t}
	m := newTestManager(t, issuer)

	const n = 100
	var wg sync.WaitGroup
	results := make([]model.Token, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.RefreshToken(context.Background())
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&issuer.calls), "single-flight: exactly one outbound issue call")
	for i := 1; i < n; i++ {
		assert.Equal(t, results[0].Token, results[i].Token, "every caller observes the same token")
	}
}

func TestManager_ValidateIssuedToken_RejectsWrongIssuer(t *testing.T) {
	m := newTestManager(t, &countingIssuer{deviceID: testDeviceID, expiresIn: time.Hour, t: t})
	claims := jwt.MapClaims{"iss": "someone-else", "aud": "device", "sub": testDeviceID,
		"iat": time.Now().Unix(), "exp": time.Now().Add(time.Hour).Unix()}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	bad, err := tok.SignedString([]byte("x"))
	require.NoError(t, err)

	err = m.validateIssuedToken(bad)
	require.Error(t, err)
}
