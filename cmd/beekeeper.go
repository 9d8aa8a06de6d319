package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Beekeeper/pkg/app"
	"Beekeeper/utilities"
)

const banner = `
    ____                 __
   / __ )___  ___  _____/ /_____  ___  ____  ___  _____
  / __  / _ \/ _ \/ //_/ _ \/ _ \/ _ \/ __ \/ _ \/ ___/
 / /_/ /  __/  __/ ,< /  __/  __/ /_/ / /_/ /  __/ /
/_____/\___/\___/_/|_|\___/\___/ .___/ .___/\___/_/
                              /_/   /_/
	One queen, many workers -- every lamport comes home.
[]=========================================================================[]
`

var (
	cfgFile string
	cfg     utilities.AppConfig
	logger  *utilities.Logger
)

// rootCmd represents the base command for the Beekeeper CLI.
var rootCmd = &cobra.Command{
	Use:   "beekeeper",
	Short: "Beekeeper worker-wallet cycle bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load config
		viper.SetConfigFile(cfgFile)
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		// Initialize logger
		level, err := utilities.ParseLogLevel(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = utilities.NewLogger(level)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(banner)
		return app.Run(signalContext(), &cfg, logger)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Sweep all worker wallet balances back to the owner and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunRecover(signalContext(), &cfg, logger)
	},
}

var walletsCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Print the reconciled worker wallet set",
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.ListWallets(&cfg, logger)
	},
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		if logger != nil {
			logger.LogWarn("Received signal: %v, initiating graceful shutdown.", sig)
		}
		cancel()
	}()
	return ctx
}

// Execute runs the root command.
func Execute() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/config.json", "config file (default is config/config.json)")
	rootCmd.AddCommand(recoverCmd, walletsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
