package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gear6io/wirelink/examples/greeting"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/server"
	"github.com/gear6io/wirelink/server/config"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "wirelink-server.yml"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "wirelink-server",
		Short: "Framed TCP protocol listener",
		Long: `wirelink-server accepts framed TCP connections, negotiates the protocol
version and a session key with every client, and serves the demonstration
greeting messages.

Examples:
wirelink-server serve
wirelink-server serve --config /etc/wirelink/wirelink-server.yml
wirelink-server config init`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the server config file")

	rootCmd.AddCommand(
		createServeCommand(&configPath),
		createConfigCommand(&configPath),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errors.FormatError(err))
		os.Exit(1)
	}
}

// loadConfig reads path, falling back to the defaults when it does not exist
func loadConfig(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.LoadDefaultConfig(), true, nil
	}
	cfg, err := config.LoadConfig(path)
	return cfg, false, err
}

func createServeCommand(configPath *string) *cobra.Command {
	var withGreeting bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the listener and the admin endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, usedDefaults, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger, closer, err := config.SetupLogger(&cfg.Log, "wirelink-server")
			if err != nil {
				return err
			}
			defer closer.Close()

			if usedDefaults {
				logger.Info().Str("path", *configPath).Msg("Config file not found, using default configuration")
			}

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			if withGreeting {
				if err := greeting.HandleHello(srv.Listener().Registry(), logger); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info().Msg("Shutting down wirelink server...")

			if err := srv.Shutdown(); err != nil {
				logger.Error().Err(err).Msg("Error during shutdown")
			}
			logger.Info().Msg("Server stopped gracefully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withGreeting, "greeting", true, "answer Hello messages with Goodbye")

	return cmd
}

func createConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the server config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); err == nil && !force {
				return errors.New(errors.CommonValidation, "config file already exists, use --force to overwrite", nil).
					AddContext("path", *configPath)
			}
			if err := config.SaveConfig(config.LoadDefaultConfig(), *configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", *configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(*configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", *configPath)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
