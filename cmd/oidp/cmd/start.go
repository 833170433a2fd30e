package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/authlab/oidp/pkg/nonce"
	"github.com/authlab/oidp/pkg/op"
)

func init() {
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the OpenID Connect Provider",
	Run: func(cmd *cobra.Command, args []string) {
		configFile := configFilePath()
		if configFile == "" {
			cobra.CheckErr("config file is required. Use --config-file/-f flag or environment variable")
		}
		config, err := op.LoadConfigFile(configFile)
		if err != nil {
			slog.Error("Failed to load config file", "error", err)
			os.Exit(1)
		}

		codes, err := nonce.NewService()
		if err != nil {
			slog.Error("Failed to create code service", "error", err)
			os.Exit(1)
		}

		slog.Info("Starting OpenID Connect Provider", "version", op.Version, "config_file", configFile)
		authorizer, err := op.NewAuthorizerFromConfig(config, codes)
		if err != nil {
			slog.Error("Failed to create authorizer", "error", err)
			os.Exit(1)
		}

		registrar := authorizer.Clients().(op.ClientRegistrar)
		server := op.NewServer(authorizer, registrar)

		e := echo.New()
		e.Use(middleware.Recover())

		server.MountRoutes(e.Group(""))

		for _, route := range e.Routes() {
			slog.Info("Route", "method", route.Method, "path", route.Path)
		}

		address := config.Address
		if address == "" {
			address = ":8080"
		}
		slog.Info(fmt.Sprintf("starting OpenID Connect Provider at %s", address))
		e.Logger.Fatal(e.Start(address))
	},
}
