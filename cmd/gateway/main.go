package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ejunz/internal/auth"
	"ejunz/internal/config"
	"ejunz/internal/database"
	"ejunz/internal/store"
	"ejunz/internal/version"
)

const defaultDatabasePath = "ejunz.db"

// cli carries settings shared by every command. Flags are bound through
// viper so EJUNZ_CONFIG, EJUNZ_DATABASE, EJUNZ_PORT and EJUNZ_VERBOSE work too.
type cli struct {
	v     *viper.Viper
	token *auth.CLIConfig
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), token: &auth.CLIConfig{}}
	c.v.SetEnvPrefix("EJUNZ")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "ejunz",
		Short: "Ejunz Gateway - realtime gateway for speech, tools and agent chat",
		Long: `Ejunz Gateway accepts WebSocket connections from client devices and edge
tool hosts, bridges them to streaming speech providers, and streams agent
replies back as text and audio.

The gateway can run as a server or be used as a CLI for tokens, agents and clients.`,
		Version:      version.Full(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := c.databasePath()
			if err != nil {
				return err
			}
			c.token.DatabasePath = path
			c.token.Verbose = c.v.GetBool("verbose")
			c.token.Out = cmd.OutOrStdout()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "config.json", "config file path (.json, .yaml or .yml)")
	flags.String("database", "", "database file path (defaults to the config's database.path)")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	_ = c.v.BindPFlags(flags)

	server := c.serverCmd()
	root.AddCommand(server)
	root.AddCommand(c.versionCmd())
	root.AddCommand(auth.TokenRootCmd(c.token))
	root.AddCommand(c.agentCmd())
	root.AddCommand(c.clientCmd())
	root.AddCommand(c.maintenanceCmd())

	// If no command is specified, default to server
	root.RunE = server.RunE
	return root
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Ejunz Gateway %s\n", version.Full())
			buildInfo := version.Get()

			if buildInfo.GitCommit != "" {
				fmt.Fprintf(w, "Git commit: %s\n", buildInfo.GitCommit)
			}
			if buildInfo.GitDirty {
				fmt.Fprintf(w, "Git status: dirty (uncommitted changes)\n")
			}
			if buildInfo.BuildDate != "" {
				fmt.Fprintf(w, "Build date: %s\n", buildInfo.BuildDate)
			}
			fmt.Fprintf(w, "Go version: %s\n", buildInfo.GoVersion)
			return nil
		},
	}
}

// loadConfig reads the config file and applies flag and env overrides
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.v.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if p := c.v.GetString("database"); p != "" {
		cfg.Database.Path = p
	}
	if p := c.v.GetInt("port"); p != 0 {
		cfg.Port = p
	}
	if c.v.GetBool("verbose") {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// databasePath resolves the database without writing a default config file
func (c *cli) databasePath() (string, error) {
	if p := c.v.GetString("database"); p != "" {
		return p, nil
	}
	path := c.v.GetString("config")
	if _, err := os.Stat(path); err != nil {
		return defaultDatabasePath, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Database.Path, nil
}

func (c *cli) withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	db, err := database.Open(c.token.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return fn(ctx, store.New(db))
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
