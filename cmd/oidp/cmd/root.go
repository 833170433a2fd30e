package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:          "oidp",
	Short:        "OpenID Connect Provider",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		godotenv.Load()
		initLogging()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.StringP("config-file", "f", "oidp.yaml", "path to the provider configuration")

	viper.SetEnvPrefix("OIDP")
	viper.AutomaticEnv()
	viper.BindPFlag("config_file", flags.Lookup("config-file"))
}

// initLogging routes slog through the console handler; PRETTY_LOGS=false
// switches back to the default text output for log collectors.
func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if os.Getenv("PRETTY_LOGS") == "false" {
		slog.SetLogLoggerLevel(level)
		return
	}
	slog.SetDefault(slog.New(
		console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level}),
	))
}

// configFilePath resolves the configured path, expanding a leading ~.
func configFilePath() string {
	path := viper.GetString("config_file")
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
