// Package model holds the agent's persisted data types, per spec §3: Device,
// Token, ConfigInstance, Deployment, their cache-entry wrappers, and the
// Syncer's observable SyncState. These are plain structs with json tags; no
// generated code, deserialization is tolerant of missing/unknown fields by
// construction (Go's encoding/json already ignores unknown fields and leaves
// missing ones at their zero value). internal/config layers a "warn on
// missing" check on top for settings.json; internal/cachedfile decodes
// device.json and token.json without warning about missing fields.
package model

import "time"

// DeviceStatus is the device's liveness as observed by this agent.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device is the local self-identity record.
type Device struct {
	ID                  string       `json:"id"`
	SessionID           string       `json:"session_id"`
	Name                string       `json:"name"`
	AgentVersion        string       `json:"agent_version"`
	Activated           bool         `json:"activated"`
	Status              DeviceStatus `json:"status"`
	LastSyncedAt        *time.Time   `json:"last_synced_at,omitempty"`
	LastConnectedAt     *time.Time   `json:"last_connected_at,omitempty"`
	LastDisconnectedAt  *time.Time   `json:"last_disconnected_at,omitempty"`
}

// DevicePatch is a field-wise merge applied to a Device: each present pointer
// field overwrites, absent (nil) fields are left untouched. Mirrors the
// spec's "each field of updates is Option<...>" patch contract.
type DevicePatch struct {
	SessionID          *string       `json:"session_id,omitempty"`
	Name               *string       `json:"name,omitempty"`
	AgentVersion       *string       `json:"agent_version,omitempty"`
	Activated          *bool         `json:"activated,omitempty"`
	Status             *DeviceStatus `json:"status,omitempty"`
	LastSyncedAt       *time.Time    `json:"last_synced_at,omitempty"`
	LastConnectedAt    *time.Time    `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time    `json:"last_disconnected_at,omitempty"`
}

// Apply returns a copy of d with every non-nil field of p overlaid.
func (p DevicePatch) Apply(d Device) Device {
	if p.SessionID != nil {
		d.SessionID = *p.SessionID
	}
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.AgentVersion != nil {
		d.AgentVersion = *p.AgentVersion
	}
	if p.Activated != nil {
		d.Activated = *p.Activated
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.LastSyncedAt != nil {
		d.LastSyncedAt = p.LastSyncedAt
	}
	if p.LastConnectedAt != nil {
		d.LastConnectedAt = p.LastConnectedAt
	}
	if p.LastDisconnectedAt != nil {
		d.LastDisconnectedAt = p.LastDisconnectedAt
	}
	return d
}

// Token is an opaque bearer credential with its expiry.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is missing or past expiry at `now`.
func (t Token) Expired(now time.Time) bool {
	return t.Token == "" || !now.Before(t.ExpiresAt)
}

// TokenPatch mirrors DevicePatch's field-wise merge contract for Token.
type TokenPatch struct {
	Token     *string    `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (p TokenPatch) Apply(t Token) Token {
	if p.Token != nil {
		t.Token = *p.Token
	}
	if p.ExpiresAt != nil {
		t.ExpiresAt = *p.ExpiresAt
	}
	return t
}

// ConfigInstance is one immutable unit of desired configuration. Its content
// (arbitrary JSON) is stored separately, keyed by ID, in the content cache.
type ConfigInstance struct {
	ID         string    `json:"id"`
	ConfigType string    `json:"config_type"`
	FilePath   string    `json:"file_path"`
	CreatedAt  time.Time `json:"created_at"`
	SchemaID   string    `json:"schema_id"`
	TypeID     string    `json:"type_id"`
}

// TargetStatus is the desired end-state for a Deployment.
type TargetStatus string

const (
	TargetDeployed TargetStatus = "deployed"
	TargetRemoved  TargetStatus = "removed"
	TargetArchived TargetStatus = "archived"
)

// ActivityStatus is a Deployment's current place in the FSM.
type ActivityStatus string

const (
	ActivityQueued    ActivityStatus = "queued"
	ActivityDeploying ActivityStatus = "deploying"
	ActivityDeployed  ActivityStatus = "deployed"
	ActivityRetrying  ActivityStatus = "retrying"
	ActivityFailed    ActivityStatus = "failed"
	ActivityRemoving  ActivityStatus = "removing"
	ActivityRemoved   ActivityStatus = "removed"
	ActivityArchiving ActivityStatus = "archiving"
	ActivityArchived  ActivityStatus = "archived"
)

// ErrorStatus is a nullable error record attached to a Deployment.
type ErrorStatus struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`
}

// Deployment is the unit of reconciliation (spec §3).
type Deployment struct {
	ID               string         `json:"id"`
	TargetStatus     TargetStatus   `json:"target_status"`
	ActivityStatus   ActivityStatus `json:"activity_status"`
	Error            *ErrorStatus   `json:"error,omitempty"`
	Attempts         int            `json:"attempts"`
	LastAttemptedAt  *time.Time     `json:"last_attempted_at,omitempty"`
	CooldownUntil    *time.Time     `json:"cooldown_until,omitempty"`
	ConfigInstanceIDs []string      `json:"config_instance_ids"`
	ReleaseID        string         `json:"release_id"`
}

// IsTerminal reports whether activity_status is an absorbing state.
func (d Deployment) IsTerminal() bool {
	switch d.ActivityStatus {
	case ActivityDeployed, ActivityFailed, ActivityRemoved, ActivityArchived:
		return true
	default:
		return false
	}
}

// DeploymentCacheEntry wraps a Deployment with its key and write instant.
type DeploymentCacheEntry struct {
	Key       string     `json:"key"`
	Value     Deployment `json:"value"`
	WrittenAt time.Time  `json:"written_at"`
}

// ConfigInstanceCacheEntry wraps a ConfigInstance with its key and write instant.
type ConfigInstanceCacheEntry struct {
	Key       string         `json:"key"`
	Value     ConfigInstance `json:"value"`
	WrittenAt time.Time      `json:"written_at"`
}

// SyncState is the Syncer's observable state (spec §3, §4.8).
type SyncState struct {
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	LastAttemptedSyncAt *time.Time `json:"last_attempted_sync_at,omitempty"`
	ErrStreak           int        `json:"err_streak"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// SyncResultCode is the non-error result surfaced by POST /v1/device/sync.
type SyncResultCode string

const (
	SyncSuccess               SyncResultCode = "success"
	SyncInCooldown            SyncResultCode = "in_cooldown"
	SyncNetworkConnectionErr  SyncResultCode = "network_connection_error"
)
