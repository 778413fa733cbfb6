package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/convrelay/internal/profile"
	"github.com/hrygo/convrelay/internal/version"
	"github.com/hrygo/convrelay/server"
	"github.com/hrygo/convrelay/store"
	"github.com/hrygo/convrelay/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "convrelay",
		Short: `A streaming relay for upstream chat apps that keeps per-conversation history on local storage.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd units provide their environment through EnvironmentFile.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			return nil
		},
		Run: func(_ *cobra.Command, _ []string) {
			instanceProfile := &profile.Profile{
				Mode:            viper.GetString("mode"),
				Addr:            viper.GetString("addr"),
				Port:            viper.GetInt("port"),
				Data:            viper.GetString("data"),
				Driver:          viper.GetString("driver"),
				DSN:             viper.GetString("dsn"),
				ModelConfig:     viper.GetString("model-config"),
				UpstreamTimeout: viper.GetDuration("upstream-timeout"),
				MaxStreams:      viper.GetInt("max-streams"),
				RateLimit:       viper.GetFloat64("rate-limit"),
				RateBurst:       viper.GetInt("rate-burst"),
				Version:         version.GetCurrentVersion(viper.GetString("mode")),
			}
			instanceProfile.FromEnv()
			setupLogger(instanceProfile)
			if err := instanceProfile.Validate(); err != nil {
				panic(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			dbDriver, err := db.NewDBDriver(instanceProfile)
			if err != nil {
				cancel()
				printDatabaseError(err, instanceProfile)
				slog.Error("failed to create db driver", "error", err)
				return
			}

			storeInstance := store.New(dbDriver)
			if err := storeInstance.Migrate(ctx); err != nil {
				cancel()
				slog.Error("failed to migrate", "error", err)
				return
			}

			s, err := server.NewServer(ctx, instanceProfile, storeInstance)
			if err != nil {
				cancel()
				slog.Error("failed to create server", "error", err)
				return
			}

			c := make(chan os.Signal, 1)
			signal.Notify(c, terminationSignals...)

			if err := s.Start(ctx); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					slog.Error("failed to start server", "error", err)
					cancel()
					return
				}
			}

			printGreetings(instanceProfile)

			go func() {
				<-c
				s.Shutdown(ctx)
				cancel()
			}()

			// Wait for CTRL-C.
			<-ctx.Done()
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "file")
	viper.SetDefault("port", 5000)
	viper.SetDefault("upstream-timeout", profile.DefaultUpstreamTimeout)
	viper.SetDefault("max-streams", profile.DefaultMaxStreams)
	viper.SetDefault("rate-burst", profile.DefaultRateBurst)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 5000, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "file", "storage driver (file, sqlite, bolt)")
	rootCmd.PersistentFlags().String("dsn", "", "sqlite or bolt database path, defaults to a file in the data directory")
	rootCmd.PersistentFlags().String("model-config", "", "model endpoint config file, defaults to model_config.json in the data directory")
	rootCmd.PersistentFlags().Duration("upstream-timeout", profile.DefaultUpstreamTimeout, "timeout of one upstream chat request")
	rootCmd.PersistentFlags().Int("max-streams", profile.DefaultMaxStreams, "maximum concurrent upstream streams")
	rootCmd.PersistentFlags().Float64("rate-limit", 0, "chat requests per second per user, 0 disables")
	rootCmd.PersistentFlags().Int("rate-burst", profile.DefaultRateBurst, "chat request burst per user")

	for _, name := range []string{
		"mode", "addr", "port", "data", "driver", "dsn", "model-config",
		"upstream-timeout", "max-streams", "rate-limit", "rate-burst",
	} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("convrelay")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setupLogger installs the default slog logger: JSON in prod, text otherwise.
func setupLogger(profile *profile.Profile) {
	level := slog.LevelInfo
	if profile.Mode == "dev" {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if profile.Mode == "prod" {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	slog.SetDefault(slog.New(handler))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("convrelay %s started successfully!\n", profile.Version)
	fmt.Printf("Build: %s\n", version.StringFull())

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Storage driver: %s\n", profile.Driver)
	fmt.Printf("Model config: %s\n", profile.ModelConfig)
	fmt.Printf("Mode: %s\n", profile.Mode)

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
	if profile.RateLimit > 0 {
		fmt.Printf("Chat rate limit: %.2f req/s per user (burst %d)\n", profile.RateLimit, profile.RateBurst)
	}
	fmt.Println()
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError explains the common storage setup failures.
func printDatabaseError(err error, profile *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nStorage initialization failed")

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "permission denied"):
		fmt.Fprintf(os.Stderr, "\n  The data directory %s is not writable by this user.\n", profile.Data)
	case strings.Contains(errMsg, "database is locked"), strings.Contains(errMsg, "timeout"):
		fmt.Fprintln(os.Stderr, "\n  The database file is held by another process.")
		fmt.Fprintf(os.Stderr, "  Stop it or point --dsn at another file (current: %s).\n", profile.DSN)
	case strings.Contains(errMsg, "no such file or directory"):
		fmt.Fprintf(os.Stderr, "\n  Create the data directory first: mkdir -p %s\n", profile.Data)
	default:
		fmt.Fprintln(os.Stderr, "\n  Error:", errMsg)
	}

	if _, statErr := os.Stat(".env"); statErr == nil {
		fmt.Fprintln(os.Stderr, "\n  Found .env file - configuration loaded from current directory.")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
