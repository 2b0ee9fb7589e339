package httpclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_StampsStandardHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Identity{AgentVersion: "1.2.3", HostName: "host-1"})
	_, err := c.ActivateDevice(t.Context(), "dev-1", "tok")
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", got.Get(HeaderAgentVersion))
	assert.Equal(t, "v1", got.Get(HeaderAPIVersion))
	assert.Equal(t, "host-1", got.Get(HeaderHostName))
	assert.NotEmpty(t, got.Get(HeaderArch))
	assert.NotEmpty(t, got.Get(HeaderOS))
}

func TestClient_NonTwoXXMapsToRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Identity{AgentVersion: "1.0", HostName: "h"})
	_, err := c.ActivateDevice(t.Context(), "dev-1", "tok")
	require.Error(t, err)
}

func TestClient_IssueToken_DecodesBody(t *testing.T) {
	expiry := time.Now().UTC().Truncate(time.Second).Add(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(issueTokenResponse{Token: "jwt-value", ExpiresAt: expiry})
	}))
	defer srv.Close()

	c := New(srv.URL, Identity{AgentVersion: "1.0", HostName: "h"})
	tok, exp, err := c.IssueToken(t.Context(), "dev-1", time.Now().Unix(), []byte("sig"))
	require.NoError(t, err)
	assert.Equal(t, "jwt-value", tok)
	assert.True(t, exp.Equal(expiry))
}

func TestClient_BearerTokenSentWhenProvided(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, Identity{AgentVersion: "1.0", HostName: "h"})
	_, err := c.GetDeployment(t.Context(), "bearer-xyz", "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer bearer-xyz", gotAuth)
}
