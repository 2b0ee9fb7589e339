package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/warren-agent/internal/model"
)

// ActivateDevice is the one-shot installer call (spec §4.4).
func (c *Client) ActivateDevice(ctx context.Context, deviceID, activationToken string) (model.Device, error) {
	var device model.Device
	data, _, err := c.execute(ctx, Params{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/devices/%s/activate", deviceID),
		Body:   map[string]string{"activation_token": activationToken},
	})
	if err != nil {
		return device, err
	}
	return device, decodeInto(data, &device)
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken implements authn.Issuer: POST /devices/{id}/issue_token with
// the RSA-signed challenge (spec §4.3 step 3).
func (c *Client) IssueToken(ctx context.Context, deviceID string, iat int64, signature []byte) (string, time.Time, error) {
	data, _, err := c.execute(ctx, Params{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/devices/%s/issue_token", deviceID),
		Body: map[string]interface{}{
			"iat":       iat,
			"signature": signature,
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	var resp issueTokenResponse
	if err := decodeInto(data, &resp); err != nil {
		return "", time.Time{}, err
	}
	return resp.Token, resp.ExpiresAt, nil
}

// PatchDevice pushes agent-version (or other) changes (spec §4.6 step 2).
func (c *Client) PatchDevice(ctx context.Context, deviceID, token string, patch model.DevicePatch) (model.Device, error) {
	var device model.Device
	data, _, err := c.execute(ctx, Params{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/devices/%s", deviceID),
		Body:   patch,
		Token:  token,
	})
	if err != nil {
		return device, err
	}
	return device, decodeInto(data, &device)
}

// DeploymentsPage is one page of GET /deployments, with nested expansions.
type DeploymentsPage struct {
	Deployments    []model.Deployment             `json:"deployments"`
	ConfigInstances map[string][]model.ConfigInstance `json:"config_instances_by_deployment"`
	NextPageToken  string                          `json:"next_page_token,omitempty"`
}

// ListDeployments lists this device's desired deployments with the
// release,config_instances expansions (spec §4.4).
func (c *Client) ListDeployments(ctx context.Context, token, pageToken string) (DeploymentsPage, error) {
	var page DeploymentsPage
	path := "/deployments?expand=release,config_instances"
	if pageToken != "" {
		path += "&page_token=" + pageToken
	}
	data, _, err := c.execute(ctx, Params{
		Method: http.MethodGet,
		Path:   path,
		Token:  token,
	})
	if err != nil {
		return page, err
	}
	return page, decodeInto(data, &page)
}

// GetDeployment fetches a single deployment.
func (c *Client) GetDeployment(ctx context.Context, token, id string) (model.Deployment, error) {
	var d model.Deployment
	data, _, err := c.execute(ctx, Params{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/deployments/%s", id),
		Token:  token,
	})
	if err != nil {
		return d, err
	}
	return d, decodeInto(data, &d)
}

// DeploymentStatusPatch is the body for PATCH /deployments/{id}.
type DeploymentStatusPatch struct {
	ActivityStatus model.ActivityStatus `json:"activity_status"`
	Error          *model.ErrorStatus   `json:"error,omitempty"`
}

// PatchDeployment pushes activity/error status for one deployment (spec §4.6 step 7).
func (c *Client) PatchDeployment(ctx context.Context, token, id string, patch DeploymentStatusPatch) error {
	_, _, err := c.execute(ctx, Params{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/deployments/%s", id),
		Body:   patch,
		Token:  token,
	})
	return err
}

// GetConfigInstanceContent fetches the JSON content for one config instance,
// used when the Syncer's content cache is stale (spec §4.6 step 3).
func (c *Client) GetConfigInstanceContent(ctx context.Context, token, id string) (map[string]interface{}, error) {
	var content map[string]interface{}
	data, _, err := c.execute(ctx, Params{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/config_instances/%s/content", id),
		Token:  token,
	})
	if err != nil {
		return nil, err
	}
	return content, decodeInto(data, &content)
}
