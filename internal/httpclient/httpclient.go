// Package httpclient is the thin typed wrapper over net/http described in
// spec §4.4: a generic execute(Params) -> (body, meta) core plus typed
// endpoint methods for device activation, token issue, and deployment CRUD.
// Header injection is grounded on the standard-header-stamping idea in
// ipiton-alert-history-service's middleware package, mirrored here for an
// outbound client instead of inbound middleware.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"time"

	"github.com/cuemby/warren-agent/internal/errs"
)

// Headers injected into every outbound request (spec §6).
const (
	HeaderAgentVersion = "X-Miru-Agent-Version"
	HeaderAPIVersion   = "X-Miru-API-Version"
	HeaderHostName     = "X-Host-Name"
	HeaderArch         = "X-Arch"
	HeaderLanguage     = "X-Language"
	HeaderOS           = "X-OS"
)

const apiVersion = "v1"
const language = "go"

// Identity supplies the header values that describe this running agent.
type Identity struct {
	AgentVersion string
	HostName     string
}

// Params carries everything one call needs. Either Body or nil; bearer token
// optional (omitted for the activation call).
type Params struct {
	Method  string
	Path    string
	Body    interface{}
	Token   string
	Timeout time.Duration
}

// Client is the agent's HTTP client to the control plane. It is immutable
// after construction and safe to share by reference across goroutines — the
// underlying http.Client connection pool is internally synchronized, per
// spec §5's shared-resource policy.
type Client struct {
	baseURL  string
	identity Identity
	http     *http.Client
}

// New constructs a Client against baseURL (e.g. https://api.mirurobotics.com/agent/v1).
func New(baseURL string, identity Identity) *Client {
	return &Client{
		baseURL:  baseURL,
		identity: identity,
		http:     &http.Client{},
	}
}

// execute is the generic core every typed endpoint method funnels through.
func (c *Client) execute(ctx context.Context, p Params) ([]byte, int, error) {
	u, err := url.Parse(c.baseURL + p.Path)
	if err != nil {
		return nil, 0, errs.NewHTTPError(errs.CodeHTTPBadURL, 0, "invalid url", err, map[string]string{"path": p.Path})
	}

	var bodyReader io.Reader
	if p.Body != nil {
		data, merr := json.Marshal(p.Body)
		if merr != nil {
			return nil, 0, errs.NewHTTPError(errs.CodeHTTPMarshal, 0, "marshal request body", merr, nil)
		}
		bodyReader = bytes.NewReader(data)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, p.Method, u.String(), bodyReader)
	if err != nil {
		return nil, 0, errs.NewHTTPError(errs.CodeHTTPBadURL, 0, "build request", err, nil)
	}

	if p.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	c.stampHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, errs.NewHTTPError(errs.CodeHTTPTimeout, 0, "request timed out", err, map[string]string{"path": p.Path})
		}
		return nil, 0, errs.NewHTTPError(errs.CodeHTTPConnect, 0, "connect failed", err, map[string]string{"path": p.Path})
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errs.NewHTTPError(errs.CodeHTTPDecode, resp.StatusCode, "read response body", err, nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.StatusCode, errs.NewHTTPError(errs.CodeHTTPRequestFailed, resp.StatusCode, "request failed", nil, map[string]string{
			"path": p.Path, "status": fmt.Sprintf("%d", resp.StatusCode),
		})
	}

	return data, resp.StatusCode, nil
}

func (c *Client) stampHeaders(req *http.Request) {
	req.Header.Set(HeaderAgentVersion, c.identity.AgentVersion)
	req.Header.Set(HeaderAPIVersion, apiVersion)
	req.Header.Set(HeaderHostName, c.identity.HostName)
	req.Header.Set(HeaderArch, runtime.GOARCH)
	req.Header.Set(HeaderLanguage, language)
	req.Header.Set(HeaderOS, runtime.GOOS)
}

func decodeInto(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.NewHTTPError(errs.CodeHTTPDecode, 0, "decode response body", err, nil)
	}
	return nil
}
