package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raeenos/raepkg/internal/auth"
	"github.com/raeenos/raepkg/internal/config"
	"github.com/raeenos/raepkg/internal/server"
	"github.com/raeenos/raepkg/internal/server/handlers"
	"github.com/raeenos/raepkg/internal/storage"
)

var serveConfigFile string

// ServeCmd represents the serve command
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the repository over HTTP",
	Long:  `Start the HTTP server that serves the repository index, its signature, and package archives.`,
	RunE:  runServe,
}

func init() {
	ServeCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Path to configuration file (optional, can also use RAEPKGD_CONFIG_FILE env var)")
	ServeCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	ServeCmd.Flags().String("root", "./repo", "Repository directory to serve")
	ServeCmd.Flags().String("name", "raeen-main", "Repository name")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Check for config file from environment variable if not provided via flag
	if serveConfigFile == "" {
		serveConfigFile = os.Getenv("RAEPKGD_CONFIG_FILE")
	}

	v := config.NewDaemonViper()
	if serveConfigFile != "" {
		v.SetConfigFile(serveConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
	}
	for viperKey, flagName := range map[string]string{
		"server.port": "port",
		"repo.root":   "root",
		"repo.name":   "name",
	} {
		if err := v.BindPFlag(viperKey, cmd.Flags().Lookup(flagName)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flagName, err)
		}
	}

	cfg, err := config.LoadDaemonWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := server.NewLogger(cfg.Logging)

	logger.Info("Daemon starting",
		"port", cfg.Server.Port,
		"config_file", serveConfigFile,
		"repository", cfg.Repo.Name,
		"root", cfg.Repo.Root,
		"auth_type", cfg.Auth.Type)

	dir, err := storage.Open(cfg.Repo.Root, logger)
	if err != nil {
		logger.Error("Failed to open repository root",
			"error", err,
			"root", cfg.Repo.Root)
		return fmt.Errorf("failed to open repository root: %w", err)
	}

	var authenticator auth.Authenticator
	switch cfg.Auth.Type {
	case "none":
		authenticator = auth.NewNone()
		logger.Info("Authentication disabled (auth.type=none)")
	case "basic":
		authenticator, err = auth.NewBasic(cfg.Auth.UsersFile, logger)
		if err != nil {
			logger.Error("Failed to initialize basic auth",
				"error", err,
				"users_file", cfg.Auth.UsersFile)
			return fmt.Errorf("failed to initialize basic auth: %w", err)
		}
	default:
		return fmt.Errorf("unsupported auth type: %s", cfg.Auth.Type)
	}

	srv := server.NewServer(cfg, logger, dir, authenticator)

	indexHandler := handlers.NewIndexHandler(dir, logger)
	archiveHandler := handlers.NewArchiveHandler(dir, logger)
	healthHandler := handlers.NewHealthHandler(dir, logger)

	srv.SetHandlers(server.HandlerSet{
		Index:          indexHandler.GetIndex,
		IndexOptions:   indexHandler.HandleOptions,
		IndexSignature: indexHandler.GetSignature,
		Archive:        archiveHandler.GetArchive,
		Health:         healthHandler.GetHealth,
	})

	logger.Info("Server ready to accept connections",
		"address", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))

	if err := srv.Start(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}

	return nil
}
