package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gear6io/wirelink/client"
	"github.com/gear6io/wirelink/client/config"
	"github.com/gear6io/wirelink/examples/greeting"
	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	serverAddr string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "wirelink-client",
		Short: "Client for the wirelink framed TCP protocol",
		Long: `wirelink-client connects to a wirelink-server, completes the handshake and
runs one exchange over the encrypted connection.

Examples:
wirelink-client ping --count 3
wirelink-client hello "Hello, world!"
wirelink-client --server 10.0.0.5:2849 session`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to the client config file")
	rootCmd.PersistentFlags().StringVar(&flags.serverAddr, "server", "", "server address (host:port), overrides the config")

	rootCmd.AddCommand(
		createPingCommand(&flags),
		createHelloCommand(&flags),
		createSessionCommand(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errors.FormatError(err))
		os.Exit(1)
	}
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.serverAddr != "" {
		host, port, err := net.SplitHostPort(flags.serverAddr)
		if err != nil {
			return nil, errors.New(config.ErrServerAddressEmpty, "invalid --server address", err).
				AddContext("server", flags.serverAddr)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, errors.New(config.ErrServerPortInvalid, "invalid --server port", err).
				AddContext("server", flags.serverAddr)
		}
		cfg.Server.Address = host
		cfg.Server.Port = p
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// connect builds a client from the config, registers the greeting messages
// and completes the handshake
func connect(ctx context.Context, flags *globalFlags) (*client.Client, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger, err := cfg.SetupLogger()
	if err != nil {
		return nil, err
	}

	opts, err := cfg.ClientOptions(logger, nil)
	if err != nil {
		return nil, err
	}

	c := client.New(opts)
	if err := greeting.Register(c.Registry()); err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func createPingCommand(flags *globalFlags) *cobra.Command {
	var count int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure the round trip to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				if i > 0 {
					select {
					case <-time.After(interval):
					case <-ctx.Done():
						return nil
					}
				}
				rtt, err := c.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pong from %s: seq=%d time=%s\n", c.Connection().RemoteAddr(), i+1, rtt)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of pings")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "delay between pings")

	return cmd
}

func createHelloCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "hello [MESSAGE]",
		Short: "Send a Hello and print the Goodbye",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := "Hello, world!"
			if len(args) == 1 {
				message = args[0]
			}

			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := greeting.SayHello(ctx, c, message)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server sent %s\n", reply)
			return nil
		},
	}
}

func createSessionCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Connect and print the session assigned by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx, flags)
			if err != nil {
				return err
			}
			defer c.Close()

			conn := c.Connection()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:     %s\n", conn.RemoteAddr())
			fmt.Fprintf(out, "session:    %s\n", c.SessionID())
			fmt.Fprintf(out, "state:      %s\n", c.State())
			fmt.Fprintf(out, "encrypted:  %t\n", conn.IsEncrypted())
			return nil
		},
	}
}
