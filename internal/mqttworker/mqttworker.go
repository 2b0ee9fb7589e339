// Package mqttworker implements the MQTT liveness worker of spec §4.7: a
// reconnect/backoff state machine built on github.com/eclipse/paho.mqtt.golang
// that subscribes to device-addressed command topics and publishes responses.
// Grounded on the teacher's pkg/worker/health_monitor.go ticking monitor loop
// (Disconnected/Connected state tracked across a select{stopCh, ticker} loop)
// and pkg/worker/worker.go's dial-then-register pattern, generalized from a
// gRPC dial to an MQTT Connect, and from the teacher's raft-driven retry to
// this agent's own fsm.Policy backoff rather than paho's built-in
// auto-reconnect (disabled here so the backoff curve matches the rest of the
// agent's retry behavior).
package mqttworker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/metrics"
	"github.com/cuemby/warren-agent/internal/syncer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the worker's connection lifecycle state (spec §4.7).
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFatal:
		return "fatal"
	default:
		return "disconnected"
	}
}

func syncTopic(deviceID string) string { return fmt.Sprintf("cmd/devices/%s/sync", deviceID) }
func pingTopic(deviceID string) string { return fmt.Sprintf("v1/cmd/devices/%s/ping", deviceID) }
func pongTopic(deviceID string) string { return fmt.Sprintf("v1/resp/devices/%s/pong", deviceID) }

const qos1 = 1

// Config wires a Worker's dependencies.
type Config struct {
	DeviceID   string
	BrokerHost string
	BrokerPort int
	TLS        bool
	Policy     fsm.Policy
	Logger     zerolog.Logger
	Syncer     *syncer.Syncer
}

type syncBeacon struct {
	IsSynced bool `json:"is_synced"`
}

type pong struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Worker is the MQTT liveness worker actor.
type Worker struct {
	cfg Config

	state    atomic.Int32
	attempts int

	clientMu sync.Mutex
	client   mqtt.Client

	stopCh chan struct{}
	done   chan struct{}
}

func (w *Worker) setClient(c mqtt.Client) {
	w.clientMu.Lock()
	w.client = c
	w.clientMu.Unlock()
}

func (w *Worker) getClient() mqtt.Client {
	w.clientMu.Lock()
	defer w.clientMu.Unlock()
	return w.client
}

// New constructs a Worker. Call Start to begin connecting.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the reconnect loop in the background.
func (w *Worker) Start() {
	go w.run()
}

// State reports the worker's current connection state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stop requests the worker to disconnect and stop reconnecting, waiting up
// to ctx's deadline for the loop to exit.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) scheme() string {
	if w.cfg.TLS {
		return "ssl"
	}
	return "tcp"
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.state.Store(int32(StateConnecting))
		client, disconnected, err := w.connect()
		if err != nil {
			if isAuthFailure(err) {
				w.state.Store(int32(StateFatal))
				w.cfg.Logger.Error().Err(err).Msg("mqttworker: authentication failed, not retrying")
				return
			}
			w.attempts++
			metrics.MQTTReconnectsTotal.Inc()
			metrics.MQTTConnectionState.Set(float64(StateDisconnected))
			w.cfg.Logger.Warn().Err(err).Int("attempts", w.attempts).Msg("mqttworker: connect failed")
			select {
			case <-time.After(w.cfg.Policy.Backoff(w.attempts)):
				continue
			case <-w.stopCh:
				return
			}
		}

		w.attempts = 0
		w.state.Store(int32(StateConnected))
		w.setClient(client)
		metrics.MQTTConnectionState.Set(float64(StateConnected))

		select {
		case <-disconnected:
			w.setClient(nil)
			w.state.Store(int32(StateDisconnected))
			metrics.MQTTConnectionState.Set(float64(StateDisconnected))
		case <-w.stopCh:
			w.setClient(nil)
			client.Disconnect(250)
			w.state.Store(int32(StateDisconnected))
			metrics.MQTTConnectionState.Set(float64(StateDisconnected))
			return
		}
	}
}

// connect builds a fresh paho client, dials the broker, subscribes to the
// command topics, and publishes the presence beacon. The returned channel
// closes exactly once, the moment the connection is lost.
func (w *Worker) connect() (mqtt.Client, <-chan struct{}, error) {
	disconnected := make(chan struct{})
	var closeOnce int32

	closeDisconnected := func() {
		if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
			close(disconnected)
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", w.scheme(), w.cfg.BrokerHost, w.cfg.BrokerPort))
	opts.SetClientID("warren-agent-" + w.cfg.DeviceID)
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		w.cfg.Logger.Warn().Err(err).Msg("mqttworker: connection lost")
		closeDisconnected()
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, nil, errs.NewMQTTError(errs.CodeMQTTTimeout, "connect timed out", nil, nil)
	}
	if err := token.Error(); err != nil {
		return nil, nil, errs.NewMQTTError(errs.CodeMQTTNetworkConnection, "connect failed", err, nil)
	}

	if err := w.subscribe(client); err != nil {
		client.Disconnect(250)
		return nil, nil, err
	}
	if err := w.publishBeacon(client, true); err != nil {
		w.cfg.Logger.Warn().Err(err).Msg("mqttworker: failed to publish presence beacon")
	}

	return client, disconnected, nil
}

func (w *Worker) subscribe(client mqtt.Client) error {
	syncT := client.Subscribe(syncTopic(w.cfg.DeviceID), qos1, func(_ mqtt.Client, _ mqtt.Message) {
		w.handleSyncCommand(client)
	})
	if !syncT.WaitTimeout(10*time.Second) || syncT.Error() != nil {
		return errs.NewMQTTError(errs.CodeMQTTSubscribe, "subscribe to sync topic failed", syncT.Error(), nil)
	}

	pingT := client.Subscribe(pingTopic(w.cfg.DeviceID), qos1, func(_ mqtt.Client, msg mqtt.Message) {
		w.handlePing(client, msg)
	})
	if !pingT.WaitTimeout(10*time.Second) || pingT.Error() != nil {
		return errs.NewMQTTError(errs.CodeMQTTSubscribe, "subscribe to ping topic failed", pingT.Error(), nil)
	}
	return nil
}

// handleSyncCommand enqueues a Sync on the Syncer. The beacon republish on
// success happens via OnSyncComplete, which internal/app wires to this
// worker regardless of what triggered the sync.
func (w *Worker) handleSyncCommand(_ mqtt.Client) {
	if out := w.cfg.Syncer.Sync(context.Background()); out.Err != nil {
		w.cfg.Logger.Warn().Err(out.Err).Msg("mqttworker: sync triggered by MQTT command failed")
	}
}

// OnSyncComplete is registered with internal/syncer so that a sync triggered
// by any caller (not just an MQTT command) republishes the beacon, per
// DESIGN.md's supplemented behavior from the original implementation. A nil
// client (not currently connected) is a silent no-op; the beacon catches up
// on the next reconnect.
func (w *Worker) OnSyncComplete() {
	client := w.getClient()
	if client == nil {
		return
	}
	if err := w.publishBeacon(client, true); err != nil {
		w.cfg.Logger.Warn().Err(err).Msg("mqttworker: failed to republish beacon after sync")
	}
}

func (w *Worker) handlePing(client mqtt.Client, msg mqtt.Message) {
	var req struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		req.MessageID = uuid.NewString()
	}
	resp := pong{MessageID: req.MessageID, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(resp)
	if err != nil {
		w.cfg.Logger.Warn().Err(err).Msg("mqttworker: failed to marshal pong")
		return
	}
	token := client.Publish(pongTopic(w.cfg.DeviceID), qos1, false, data)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		w.cfg.Logger.Warn().Err(token.Error()).Msg("mqttworker: failed to publish pong")
	}
}

func (w *Worker) publishBeacon(client mqtt.Client, synced bool) error {
	data, err := json.Marshal(syncBeacon{IsSynced: synced})
	if err != nil {
		return errs.NewMQTTError(errs.CodeMQTTSerde, "marshal beacon", err, nil)
	}
	token := client.Publish(syncTopic(w.cfg.DeviceID), qos1, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return errs.NewMQTTError(errs.CodeMQTTTimeout, "publish beacon timed out", nil, nil)
	}
	if err := token.Error(); err != nil {
		return errs.NewMQTTError(errs.CodeMQTTPublish, "publish beacon failed", err, nil)
	}
	return nil
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") || strings.Contains(msg, "bad user name or password")
}
