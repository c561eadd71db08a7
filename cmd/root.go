// Package cmd provides CLI commands for scriptlock.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pbparthas/scriptlock/internal/config"
	"github.com/pbparthas/scriptlock/internal/lock"
	"github.com/pbparthas/scriptlock/internal/logging"
	"github.com/pbparthas/scriptlock/internal/notify"
	"github.com/pbparthas/scriptlock/internal/state"
)

// Version is the current version of scriptlock.
// Can be overridden at build time: go build -ldflags "-X github.com/pbparthas/scriptlock/cmd.Version=v1.0.0"
var Version = "v0.1.0"

var (
	cfgFile string
	dataDir string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scriptlock",
	Short: "Lease-based locks for shared test scripts and resources",
	Long: `scriptlock hands out time-bounded, exclusive leases on named resources
such as test scripts, fixtures or shared environments.

A lease is held by one owner until it is released, extended or expires.
Expired leases are reclaimed transparently by the next acquirer and swept in
the background by "scriptlock watch" or "scriptlock serve".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, shutting down...\n", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.scriptlock/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default is $HOME/.scriptlock)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().String("store", config.DriverSQLite, "lease store driver (sqlite or redis)")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "redis address for the redis store")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text or json)")

	// Bind flags to viper
	viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("store.driver", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("store.redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	_ = godotenv.Load(".env")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		configDir := filepath.Join(home, ".scriptlock")
		viper.AddConfigPath(configDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// SCRIPTLOCK_STORE_REDIS_ADDR maps to store.redis.addr
	viper.SetEnvPrefix("SCRIPTLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// getDataDir returns the data directory, defaulting to $HOME/.scriptlock
func getDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	if d := viper.GetString("data-dir"); d != "" {
		return d, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".scriptlock"), nil
}

// loadConfig resolves the typed configuration from flags, env and file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dir, err := getDataDir()
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir

	return cfg, nil
}

// initLogger builds the structured logger for background components.
func initLogger(cfg *config.Config) *slog.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// initStore initializes the configured lease store. The redis client is
// returned as well so event publishing can share the connection; it is nil
// for the sqlite driver.
func initStore(ctx context.Context, cfg *config.Config) (state.LeaseStore, *redis.Client, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Store.Redis.Addr, err)
		}

		printVerbose("Using redis store at %s", cfg.Store.Redis.Addr)
		return state.NewRedis(client, state.WithRedisPrefix(cfg.Store.Redis.Prefix)), client, nil

	default:
		store, err := state.New(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		printVerbose("Using sqlite store in %s", cfg.DataDir)
		return store, nil, nil
	}
}

// initNotifier registers every configured event backend.
func initNotifier(cfg *config.Config, redisClient *redis.Client) (*notify.Manager, error) {
	mgr := notify.NewManager()
	n := cfg.Notify

	if n.WebhookURL != "" {
		mgr.Register(notify.NewWebhookNotifier(n.WebhookURL, notify.WithWebhookSecret(n.WebhookSecret)))
		printVerbose("Registered webhook notifier (signed: %t)", n.WebhookSecret != "")
	}

	if n.SlackWebhook != "" {
		mgr.Register(notify.NewSlackNotifier(n.SlackWebhook, n.SlackChannel, ""))
		printVerbose("Registered Slack notifier")
	}

	if redisClient != nil {
		mgr.Register(notify.NewRedisNotifier(redisClient, n.RedisChannelPrefix))
		printVerbose("Registered redis notifier (prefix %s)", n.RedisChannelPrefix)
	}

	if n.NATSURL != "" {
		conn, err := nats.Connect(n.NATSURL, nats.Name("scriptlock"))
		if err != nil {
			mgr.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", n.NATSURL, err)
		}
		mgr.Register(notify.NewNATSNotifier(conn, n.NATSSubjectPrefix))
		printVerbose("Registered NATS notifier (%s)", n.NATSURL)
	}

	if len(n.KafkaBrokers) > 0 {
		mgr.Register(notify.NewKafkaNotifier(n.KafkaBrokers, n.KafkaTopic))
		printVerbose("Registered Kafka notifier (topic %s)", n.KafkaTopic)
	}

	return mgr, nil
}

// app bundles the components a command works with.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      state.LeaseStore
	redis      *redis.Client
	notifier   *notify.Manager
	dispatcher *notify.Dispatcher
	manager    *lock.Manager
}

// initApp loads configuration and wires store, notifiers and lock manager.
func initApp(ctx context.Context) (*app, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := initLogger(cfg)

	store, redisClient, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := initNotifier(cfg, redisClient)
	if err != nil {
		store.Close()
		return nil, err
	}

	dispatcher := notify.NewDispatcher(notifier, logger, notify.DispatcherOptions{Buffer: cfg.Notify.Buffer})

	manager := lock.NewManager(store,
		lock.WithLogger(logger),
		lock.WithPublisher(dispatcher),
		lock.WithDefaultDuration(cfg.Lock.DefaultDuration),
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		redis:      redisClient,
		notifier:   notifier,
		dispatcher: dispatcher,
		manager:    manager,
	}, nil
}

// Close drains pending events, then releases connections.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn("event dispatcher did not drain", "error", err, "dropped", a.dispatcher.Dropped())
	}
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn("failed to close notifiers", "error", err)
	}
	// RedisStore.Close closes the shared client.
	return a.store.Close()
}

// isVerbose returns true if verbose output is enabled.
func isVerbose() bool {
	return verbose || viper.GetBool("verbose")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if isVerbose() {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// checkContext returns an error if the context is cancelled.
func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
