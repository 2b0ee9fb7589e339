// Command agent is the warren-agent entrypoint: a persistent (or one-shot,
// depending on settings) process that keeps this device synchronized with
// the control plane. Grounded on the teacher's cmd/warren/main.go rootCmd
// construction: persistent --log-level/--log-json flags initialized via
// cobra.OnInitialize, subcommands for each operating mode, --version wired
// through a custom template.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/warren-agent/internal/app"
	"github.com/cuemby/warren-agent/internal/filesys"
	"github.com/cuemby/warren-agent/internal/httpclient"
	"github.com/cuemby/warren-agent/internal/sysinfo"
	"github.com/cuemby/warren-agent/pkg/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warren-agent",
	Short: "Warren edge agent: reconciles local deployments against the control plane",
	Long: `warren-agent runs on an edge device and keeps it synchronized with
a cloud control plane: it authenticates as a device, reconciles declarative
deployments onto the local filesystem, reports liveness over MQTT, and
exposes a local control socket for host introspection.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"warren-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "/var/lib/miru/settings.json", "Path to settings.json")
	rootCmd.PersistentFlags().String("data-root", "/var/lib/miru", "Data root directory")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent's reconciliation loop until shutdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		app.AgentVersion = Version

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return app.Run(ctx, configPath)
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Activate this device against the control plane and seed device.json",
	Long: `install reads MIRU_ACTIVATION_TOKEN from the environment, calls the
control plane's one-shot device-activation endpoint, and writes the
resulting Device record to <data-root>/device.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataRoot, _ := cmd.Flags().GetString("data-root")
		baseURL, _ := cmd.Flags().GetString("backend-base-url")
		deviceID, _ := cmd.Flags().GetString("device-id")

		token := os.Getenv("MIRU_ACTIVATION_TOKEN")
		if token == "" {
			return fmt.Errorf("MIRU_ACTIVATION_TOKEN is not set")
		}
		if deviceID == "" {
			deviceID = uuid.NewString()
		}

		client := httpclient.New(baseURL, httpclient.Identity{
			AgentVersion: Version,
			HostName:     sysinfo.HostName(),
		})

		device, err := client.ActivateDevice(context.Background(), deviceID, token)
		if err != nil {
			return fmt.Errorf("activation failed: %w", err)
		}
		device.Activated = true
		device.SessionID = uuid.NewString()

		path := filepath.Join(dataRoot, "device.json")
		if err := filesys.WriteJSONAtomic(path, device, filesys.PermDefault, filesys.OverwriteAllow); err != nil {
			return err
		}

		fmt.Printf("Device %s activated, device.json written to %s\n", device.ID, path)
		return nil
	},
}

func init() {
	installCmd.Flags().String("backend-base-url", "https://api.mirurobotics.com/agent/v1", "Control plane base URL")
	installCmd.Flags().String("device-id", "", "Device id to activate (generated if omitted)")
}
