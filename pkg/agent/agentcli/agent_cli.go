package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/icprog/usbMouse/internal/mousesvc"
	"github.com/icprog/usbMouse/internal/mousesvc/usb"
	"github.com/icprog/usbMouse/pkg/agent"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "usbmouse"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string) *cobra.Command {
	cfg := agent.Config{
		DataDir:     filepath.Join(configDir, "data"),
		PortsConfig: filepath.Join(configDir, "ports.yml"),
	}
	rootCmd := &cobra.Command{
		Use:   "usbmoused",
		Short: "USB mouse polling agent",
		Long:  `usbmoused polls USB HID mice and republishes their state to subscribers.`,
	}
	var a *agent.Agent
	provider := func() *agent.Agent {
		return a
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.PortsConfig, "ports-config", cfg.PortsConfig, "ports config file")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg)
		return err
	}
	rootCmd.AddCommand(NewRun(provider))
	rootCmd.AddCommand(NewListDevices(provider))
	rootCmd.AddCommand(NewDescribe(provider))
	return rootCmd
}

// subscription addresses in registry order: button bits, then the axes.
var allAddresses = []int{0, 1, 2, 3, 4, 5, 6, 7, mousesvc.AddrX, mousesvc.AddrY, mousesvc.AddrWheel}

func NewRun(provider agentProvider) *cobra.Command {
	var logEvents bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling agent",
		Long:  `Run the polling agent. Each configured port binds a session to its device and keeps it polled until the process exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := provider()
			if logEvents {
				go logAllEvents(cmd.Context(), a)
			}
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&logEvents, "log-events", false, "subscribe to every address and log state changes")
	return cmd
}

func logAllEvents(ctx context.Context, a *agent.Agent) {
	select {
	case <-ctx.Done():
		return
	case <-a.Mouse().Ready():
	}
	log := a.Logger().Named("events")
	for _, port := range a.Mouse().Ports() {
		port := port
		for _, addr := range allAddresses {
			addr := addr
			err := a.Mouse().Subscribe(port, addr, func(value int) {
				log.Info("Value changed",
					zap.String("port", port),
					zap.Int("addr", addr),
					zap.Int("value", value))
			})
			if err != nil {
				log.Warn("Failed to subscribe", zap.String("port", port), zap.Error(err))
			}
		}
	}
}

func NewListDevices(provider agentProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "List devices seen on configured ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := provider().Mouse().ListDevices()
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
}

func NewDescribe(provider agentProvider) *cobra.Command {
	var (
		backendName string
		details     int
	)
	cmd := &cobra.Command{
		Use:   "describe <vid:pid:interface>",
		Short: "Connect to a device once and dump its descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: describe <vid:pid:interface>")
			}
			identity, err := usb.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			log := provider().Logger().Named("describe")
			var backend usb.Backend
			switch backendName {
			case "gousb":
				backend = usb.NewGousbBackend(log.Named("usb.gousb"))
			case "hidapi":
				backend = usb.NewHidapiBackend(log.Named("usb.hidapi"))
			default:
				return fmt.Errorf("unknown backend %q", backendName)
			}
			return mousesvc.Describe(log, identity, backend, cmd.OutOrStdout(), details)
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "gousb", "transport backend (gousb or hidapi)")
	cmd.Flags().IntVar(&details, "details", 4, "report detail level (0-4)")
	return cmd
}
