package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/shadowtrade/api"
	"github.com/gregtusar/shadowtrade/internal/config"
	"github.com/gregtusar/shadowtrade/pkg/custody"
	"github.com/gregtusar/shadowtrade/pkg/ingress"
	"github.com/gregtusar/shadowtrade/pkg/ledger/postgres"
	"github.com/gregtusar/shadowtrade/pkg/models"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shadowtrade",
		Short: "Copy-trade fan-out service",
		Long:  `Replicates operator trades across subscribed follower wallets and tracks every follower position through to close`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, err = newLogger(cfg.Logging)
			return err
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		dispatchCmd(),
		closeCmd(),
		keysCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the Kafka signal consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var notifier ingress.Notifier
			kafkaCfg := ingress.KafkaConfig{
				Brokers:      cfg.Kafka.Brokers,
				SignalsTopic: cfg.Kafka.SignalsTopic,
				ResultsTopic: cfg.Kafka.ResultsTopic,
				GroupID:      cfg.Kafka.GroupID,
			}
			if cfg.Kafka.Enabled && cfg.Kafka.ResultsTopic != "" {
				publisher := ingress.NewKafkaPublisher(kafkaCfg)
				defer publisher.Close()
				notifier = publisher
			}
			signals := ingress.NewHandler(a.store, a.orch, notifier, a.metrics, logger)

			server := api.NewServer(a.store, a.orch, signals, a.metrics, logger, api.Config{
				Port:         fmt.Sprintf("%d", cfg.Server.Port),
				JWTSecret:    cfg.Server.JWTSecret,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(server.Start)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			if cfg.Kafka.Enabled {
				consumer := ingress.NewKafkaConsumer(kafkaCfg, signals, logger)
				defer consumer.Close()
				g.Go(func() error {
					if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}

			logger.Info("shadowtrade is running. Press Ctrl+C to stop.")
			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("shadowtrade stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate needs database.driver postgres, got %q", cfg.Database.Driver)
			}
			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("Migrations applied")
			return nil
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <trade-id>",
		Short: "Fan a pending trade out to its followers, resuming any left pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Dispatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func closeCmd() *cobra.Command {
	var (
		reason string
		minOut string
	)
	cmd := &cobra.Command{
		Use:   "close <trade-id>",
		Short: "Close every active follower position of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exit := models.ExitParameters{Reason: reason}
			if minOut != "" {
				d, err := decimal.NewFromString(minOut)
				if err != nil {
					return fmt.Errorf("invalid --min-out: %w", err)
				}
				exit.MinAmountOut = d
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Close(cmd.Context(), args[0], exit)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual close", "exit reason recorded on the trade")
	cmd.Flags().StringVar(&minOut, "min-out", "", "operator-scale minimum exit output")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage follower signing keys",
	}

	keys.AddCommand(&cobra.Command{
		Use:   "provision <follower-id>",
		Short: "Create and store a signing key for a follower",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Custody.KeyBackend == "memory" {
				logger.Warn("Key backend is memory, the key is discarded on exit")
			}
			vault, store, err := newVault(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			address, err := vault.Provision(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(address)
			return nil
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "master",
		Short: "Print a new base64 custody master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := custody.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	})
	return keys
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
