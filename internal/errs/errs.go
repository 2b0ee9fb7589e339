// Package errs provides the agent's typed error hierarchy: one struct per
// layer (Filesystem, Crypto, HTTP, Cache, MQTT, Sync, Deploy), each exposing
// a wire code, an HTTP status, a parameter map, and a network-connection
// classification used by retry and backoff logic.
package errs

import (
	"fmt"
	"runtime"
)

// trace captures a lightweight file:line for diagnostics, mirroring the
// teacher's fmt.Errorf("%w", ...) wrapping but with a structured accessor.
func trace(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Kind identifies the error family for wire encoding.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindCrypto     Kind = "crypto"
	KindHTTP       Kind = "http"
	KindCache      Kind = "cache"
	KindMQTT       Kind = "mqtt"
	KindSync       Kind = "sync"
	KindDeploy     Kind = "deploy"
)

// Error is the common surface every family implements.
type Error interface {
	error
	Code() string
	HTTPStatus() int
	Params() map[string]string
	IsNetworkConnectionError() bool
	Kind() Kind
	Trace() string
	Unwrap() error
}

type base struct {
	kind       Kind
	code       string
	httpStatus int
	message    string
	params     map[string]string
	network    bool
	cause      error
	at         string
}

func (e *base) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *base) Code() string                     { return e.code }
func (e *base) HTTPStatus() int                   { return e.httpStatus }
func (e *base) Params() map[string]string         { return e.params }
func (e *base) IsNetworkConnectionError() bool    { return e.network }
func (e *base) Kind() Kind                        { return e.kind }
func (e *base) Trace() string                     { return e.at }
func (e *base) Unwrap() error                     { return e.cause }

func withParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

// --- Filesystem ---

const (
	CodeFilesystemNotFound          = "filesystem_not_found"
	CodeFilesystemExists            = "filesystem_exists"
	CodeFilesystemIO                = "filesystem_io"
	CodeFilesystemBadUTF8           = "filesystem_bad_utf8"
	CodeFilesystemPermissionDenied  = "filesystem_permission_denied"
)

// NewFilesystemError builds a Filesystem-kind error. code must be one of the
// CodeFilesystem* constants.
func NewFilesystemError(code, message string, cause error, params map[string]string) Error {
	status := 500
	switch code {
	case CodeFilesystemNotFound:
		status = 404
	case CodeFilesystemExists:
		status = 409
	case CodeFilesystemPermissionDenied:
		status = 403
	}
	return &base{
		kind: KindFilesystem, code: code, httpStatus: status,
		message: message, cause: cause, params: withParams(params), at: trace(1),
	}
}

// --- Crypto ---

const (
	CodeCryptoInvalidKey   = "crypto_invalid_key"
	CodeCryptoSignFailed   = "crypto_sign_failed"
	CodeCryptoVerifyFailed = "crypto_verify_failed"
	CodeCryptoBase64       = "crypto_base64"
	CodeCryptoBadJWT       = "crypto_bad_jwt"
)

func NewCryptoError(code, message string, cause error, params map[string]string) Error {
	return &base{
		kind: KindCrypto, code: code, httpStatus: 500,
		message: message, cause: cause, params: withParams(params), at: trace(1),
	}
}

// --- HTTP ---

const (
	CodeHTTPRequestFailed = "http_request_failed"
	CodeHTTPTimeout       = "http_timeout"
	CodeHTTPConnect       = "http_connect"
	CodeHTTPDecode        = "http_decode"
	CodeHTTPBadURL        = "http_bad_url"
	CodeHTTPBadHeader     = "http_bad_header"
	CodeHTTPMarshal       = "http_marshal"
)

// NewHTTPError builds an HTTP-kind error. status is the upstream status code
// when code is CodeHTTPRequestFailed, else a locally chosen status.
func NewHTTPError(code string, status int, message string, cause error, params map[string]string) Error {
	network := code == CodeHTTPTimeout || code == CodeHTTPConnect
	return &base{
		kind: KindHTTP, code: code, httpStatus: status,
		message: message, cause: cause, params: withParams(params),
		network: network, at: trace(1),
	}
}

// --- Cache ---

const (
	CodeCacheNotFound        = "cache_not_found"
	CodeCacheCannotOverwrite = "cache_cannot_overwrite"
	CodeCacheBackendIO       = "cache_backend_io"
)

func NewCacheError(code, message string, cause error, params map[string]string) Error {
	status := 500
	if code == CodeCacheNotFound {
		status = 404
	}
	if code == CodeCacheCannotOverwrite {
		status = 409
	}
	return &base{
		kind: KindCache, code: code, httpStatus: status,
		message: message, cause: cause, params: withParams(params), at: trace(1),
	}
}

// --- MQTT ---

const (
	CodeMQTTAuthenticationFailed = "mqtt_authentication_failed"
	CodeMQTTNetworkConnection    = "mqtt_network_connection"
	CodeMQTTTimeout              = "mqtt_timeout"
	CodeMQTTPublish              = "mqtt_publish"
	CodeMQTTSubscribe            = "mqtt_subscribe"
	CodeMQTTSerde                = "mqtt_serde"
)

func NewMQTTError(code, message string, cause error, params map[string]string) Error {
	network := code == CodeMQTTNetworkConnection || code == CodeMQTTTimeout
	status := 500
	if code == CodeMQTTAuthenticationFailed {
		status = 401
	}
	return &base{
		kind: KindMQTT, code: code, httpStatus: status,
		message: message, cause: cause, params: withParams(params),
		network: network, at: trace(1),
	}
}

// --- Sync ---

const (
	CodeSyncInCooldown                    = "sync_in_cooldown"
	CodeSyncConflictingDeployments        = "sync_conflicting_deployments"
	CodeSyncMissingExpandedInstances      = "sync_missing_expanded_instances"
	CodeSyncConfigInstanceContentNotFound = "sync_config_instance_content_not_found"
)

func NewSyncError(code, message string, cause error, params map[string]string) Error {
	status := 500
	switch code {
	case CodeSyncInCooldown:
		status = 425
	case CodeSyncConflictingDeployments:
		status = 409
	case CodeSyncConfigInstanceContentNotFound:
		status = 404
	}
	return &base{
		kind: KindSync, code: code, httpStatus: status,
		message: message, cause: cause, params: withParams(params), at: trace(1),
	}
}

// --- Deploy ---

const (
	CodeDeployNotDeployable  = "deploy_not_deployable"
	CodeDeployNotRemoveable  = "deploy_not_removeable"
	CodeDeployNotArchiveable = "deploy_not_archiveable"
)

func NewDeployError(code, message string, params map[string]string) Error {
	return &base{
		kind: KindDeploy, code: code, httpStatus: 409,
		message: message, params: withParams(params), at: trace(1),
	}
}

// IsNetworkConnectionError reports whether err, if it implements Error,
// should be treated as retriable network failure.
func IsNetworkConnectionError(err error) bool {
	if e, ok := err.(Error); ok {
		return e.IsNetworkConnectionError()
	}
	return false
}
