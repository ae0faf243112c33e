// Command agentlink connects to a local agent server: it streams events,
// reports health and drives sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/universal-console/agentlink/internal/client"
	"github.com/universal-console/agentlink/internal/config"
	"github.com/universal-console/agentlink/internal/logging"
)

const Version = "1.0.0"

var (
	profileName string
	configPath  string
	serverURL   string
	logLevel    string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:           "agentlink",
	Short:         "Client for a local agent server",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `agentlink keeps a live event stream to an agent server, reconnecting
with backoff and health checks, and sends session operations over REST.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging(logOutput(cmd))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Profile to use (default: the file's default profile)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to profiles.yaml (default: $XDG_CONFIG_HOME/agentlink/profiles.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL, overriding the profile")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (overrides --log-level)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// logOutput sends logs away from the terminal for full screen commands.
func logOutput(cmd *cobra.Command) string {
	if cmd.Name() != "watch" {
		return "stderr"
	}
	if debugEnabled() {
		return "agentlink.log"
	}
	return "discard"
}

func debugEnabled() bool {
	return debug || strings.EqualFold(os.Getenv("AGENTLINK_DEBUG"), "true")
}

func initLogging(output string) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	cfg := logging.DefaultConfig()
	cfg.Output = output
	cfg.Level = level
	if debugEnabled() {
		cfg.Level = logging.DebugLevel
		cfg.Format = "json"
	}
	return logging.InitGlobalLogger(cfg)
}

func newConfigManager() (*config.Manager, error) {
	var opts []config.Option
	if configPath != "" {
		opts = append(opts, config.WithPath(configPath))
	}
	return config.NewManager(opts...)
}

// resolveProfile loads the selected profile and applies --server.
func resolveProfile(mgr *config.Manager, name string) (*config.Profile, error) {
	p, err := mgr.LoadProfile(name)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		p.ServerURL = serverURL
	}
	return p, nil
}

// session bundles what every subcommand needs.
type session struct {
	mgr     *config.Manager
	profile *config.Profile
	client  *client.Client
	log     *logging.Logger
}

func openSession(name string, opts ...client.Option) (*session, error) {
	mgr, err := newConfigManager()
	if err != nil {
		return nil, err
	}
	p, err := resolveProfile(mgr, name)
	if err != nil {
		return nil, err
	}
	log := logging.GetGlobalLogger().WithComponent("cli").WithField("profile", p.Name)
	c, err := client.New(p, append([]client.Option{client.WithLogger(logging.GetGlobalLogger())}, opts...)...)
	if err != nil {
		return nil, err
	}
	return &session{mgr: mgr, profile: p, client: c, log: log}, nil
}

func (s *session) Close() {
	s.client.Close()
}

// watchConfig applies reconnect settings from the config file to the
// running client until ctx ends. It does nothing when --server replaced
// the profile's server.
func (s *session) watchConfig(ctx context.Context) error {
	if serverURL != "" {
		return nil
	}
	return s.mgr.Watch(ctx, s.profile.Name, func(p *config.Profile, err error) {
		if err != nil {
			s.log.Warn("Ignoring invalid configuration change", "error", err.Error())
			return
		}
		s.client.ApplyReconnect(p.Reconnect)
		s.log.Info("Applied reconnect settings", "profile", p.Name)
	})
}
