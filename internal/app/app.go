// Package app wires every worker together and drives startup/shutdown, per
// spec §4.9. Grounded on the teacher's cmd/warren/main.go rootCmd
// dependency-ordered construction (runtime → handlers →
// secrets/volumes/dns/health-monitor → gRPC server), generalized to this
// agent's own dependency order: caches → token manager → syncer → MQTT
// worker → control server → token-refresh worker → poller. The teacher
// tracks each component's stopCh individually; this package unifies that
// behind one context.Context tree so every actor's Shutdown races the same
// cancellation.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/warren-agent/internal/authn"
	"github.com/cuemby/warren-agent/internal/cache"
	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/config"
	"github.com/cuemby/warren-agent/internal/controlserver"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/filesys"
	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/httpclient"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/cuemby/warren-agent/internal/mqttworker"
	"github.com/cuemby/warren-agent/internal/sysinfo"
	"github.com/cuemby/warren-agent/internal/syncer"
	"github.com/cuemby/warren-agent/internal/tokenrefresh"
	"github.com/cuemby/warren-agent/pkg/log"
)

// AgentVersion is stamped at build time via -ldflags.
var AgentVersion = "dev"

// App owns every long-lived worker and the shutdown race between them.
type App struct {
	settings config.Settings

	device        *cachedfile.Actor[model.Device]
	tokens        *cachedfile.Actor[model.Token]
	deployments   *cache.Cache[model.Deployment]
	configMeta    *cache.Cache[model.ConfigInstance]
	configContent *cache.Cache[map[string]interface{}]

	authn        *authn.Manager
	sync         *syncer.Syncer
	mqtt         *mqttworker.Worker
	server       *controlserver.Server
	tokenRefresh *tokenrefresh.Worker

	httpClient *httpclient.Client
}

// Run loads settings.json at settingsPath, wires every component, and blocks
// until one of the three shutdown triggers fires (spec §4.9).
func Run(ctx context.Context, settingsPath string) error {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(settings.LogLevel), JSONOutput: settings.LogJSON})

	a, err := build(settings)
	if err != nil {
		return err
	}
	defer a.shutdown(settings.MaxShutdownDelay)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !settings.IsPersistent && settings.MaxRuntime > 0 {
		go func() {
			select {
			case <-time.After(settings.MaxRuntime):
				log.Info("max runtime exceeded, shutting down")
				cancel()
			case <-runCtx.Done():
			}
		}()
	}

	if !settings.IsPersistent && settings.IdleTimeout > 0 && settings.EnableSocketServer {
		go a.watchIdle(runCtx, settings.IdleTimeout, settings.IdleTimeoutPollInterval, cancel)
	}

	if settings.EnableMQTTWorker {
		a.mqtt.Start()
	}

	serveErr := make(chan error, 1)
	if settings.EnableSocketServer {
		go func() { serveErr <- a.server.Serve(runCtx) }()
	}

	a.tokenRefresh.Start()

	if settings.EnablePoller {
		go a.poll(runCtx, settings.PollInterval)
	}

	<-runCtx.Done()
	if settings.EnableSocketServer {
		return <-serveErr
	}
	return nil
}

// poll periodically triggers a sync cycle, per spec §4.9's "token-refresh
// worker → poller" dependency tail: a fallback reconciliation trigger for
// deployments when neither an MQTT command nor a control-socket request
// arrives.
func (a *App) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if out := a.sync.Sync(ctx); out.Err != nil {
				log.Error(fmt.Sprintf("poller: sync failed: %v", out.Err))
			}
		}
	}
}

func (a *App) watchIdle(ctx context.Context, idle, pollEvery time.Duration, cancel context.CancelFunc) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(a.server.LastActivityUnix(), 0)
			if time.Since(last) >= idle {
				log.Info("idle timeout exceeded, shutting down")
				cancel()
				return
			}
		}
	}
}

func build(settings config.Settings) (*App, error) {
	devicePath := filepath.Join(settings.DataRoot, "device.json")
	if _, err := os.Stat(devicePath); err != nil {
		return nil, errs.NewFilesystemError(errs.CodeFilesystemNotFound, "device is not installed", err, map[string]string{"path": devicePath})
	}

	device, err := cachedfile.New[model.Device](devicePath, filesys.PermDefault, model.Device{})
	if err != nil {
		return nil, err
	}
	current, err := device.Get(context.Background())
	if err != nil {
		return nil, err
	}
	keys := authn.NewKeyStore(filepath.Join(settings.DataRoot, "auth"))
	if err := keys.EnsureKeyPair(); err != nil {
		return nil, err
	}

	if !current.Activated {
		return nil, errs.NewFilesystemError(errs.CodeFilesystemIO, "device has not been activated", nil, map[string]string{"path": devicePath})
	}

	tokens, err := cachedfile.New[model.Token](filepath.Join(settings.DataRoot, "auth", "token.json"), filesys.PermPrivateKey, model.Token{})
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("cache")
	deployments, err := cache.NewFileCache[model.Deployment](filepath.Join(settings.DataRoot, "cache", "deployments", "metadata.json"), logger)
	if err != nil {
		return nil, err
	}
	configMeta, err := cache.NewFileCache[model.ConfigInstance](filepath.Join(settings.DataRoot, "cache", "config_instances", "metadata.json"), logger)
	if err != nil {
		return nil, err
	}
	configContent, err := cache.NewDirCache[map[string]interface{}](filepath.Join(settings.DataRoot, "cache", "config_instances", "contents"), logger)
	if err != nil {
		return nil, err
	}

	httpClient := httpclient.New(settings.Backend.BaseURL, httpclient.Identity{
		AgentVersion: AgentVersion,
		HostName:     sysinfo.HostName(),
	})

	authnMgr := authn.NewManager(current.ID, keys, httpClient, tokens, log.WithComponent("authn"))

	policy := fsm.DefaultPolicy()
	sync := syncer.New(syncer.Config{
		DeviceID:      current.ID,
		AgentVersion:  AgentVersion,
		DataRoot:      settings.DataRoot,
		Device:        device,
		Deployments:   deployments,
		ConfigMeta:    configMeta,
		ConfigContent: configContent,
		HTTP:          httpClient,
		Tokens:        authnMgr,
		Policy:        policy,
		Logger:        log.WithComponent("syncer"),
	})

	mqtt := mqttworker.New(mqttworker.Config{
		DeviceID:   current.ID,
		BrokerHost: settings.MQTTBroker.Host,
		BrokerPort: settings.MQTTBroker.Port,
		TLS:        settings.MQTTBroker.TLS,
		Policy:     policy,
		Logger:     log.WithComponent("mqtt"),
		Syncer:     sync,
	})
	sync.SetObservers([]syncer.Observer{})
	sync.SetOnSyncComplete(mqtt.OnSyncComplete)

	var server *controlserver.Server
	if settings.EnableSocketServer {
		server, err = controlserver.New(controlserver.Config{
			SocketPath: settings.SocketPath,
			Device:     device,
			Syncer:     sync,
			Logger:     log.WithComponent("controlserver"),
		})
		if err != nil {
			return nil, err
		}
	}

	refresher := tokenrefresh.New(tokenrefresh.Config{
		Manager: authnMgr,
		Policy:  policy,
		Logger:  log.WithComponent("tokenrefresh"),
	})

	return &App{
		settings:      settings,
		device:        device,
		tokens:        tokens,
		deployments:   deployments,
		configMeta:    configMeta,
		configContent: configContent,
		authn:         authnMgr,
		sync:          sync,
		mqtt:          mqtt,
		server:        server,
		tokenRefresh:  refresher,
		httpClient:    httpClient,
	}, nil
}

// shutdown flips the device offline, pushes that to the backend, and drains
// every worker, bounded by maxDelay (spec §4.9).
func (a *App) shutdown(maxDelay time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), maxDelay)
	defer cancel()

	offline := model.DeviceOffline
	now := time.Now().UTC()
	device, err := a.device.Patch(ctx, model.DevicePatch{Status: &offline, LastDisconnectedAt: &now})
	if err != nil {
		log.Error(fmt.Sprintf("shutdown: failed to flip device offline: %v", err))
	} else if token, terr := a.authn.GetToken(ctx); terr == nil {
		if _, perr := a.httpClient.PatchDevice(ctx, device.ID, token.Token, model.DevicePatch{Status: &offline, LastDisconnectedAt: &now}); perr != nil {
			log.Error(fmt.Sprintf("shutdown: failed to push offline status: %v", perr))
		}
	}

	_ = a.tokenRefresh.Stop(ctx)
	if a.settings.EnableMQTTWorker {
		_ = a.mqtt.Stop(ctx)
	}
	_ = a.sync.Shutdown(ctx)
	_ = a.authn.Shutdown(ctx)
	_ = a.deployments.Shutdown(ctx)
	_ = a.configMeta.Shutdown(ctx)
	_ = a.configContent.Shutdown(ctx)
	_ = a.device.Shutdown(ctx)
	_ = a.tokens.Shutdown(ctx)
}
