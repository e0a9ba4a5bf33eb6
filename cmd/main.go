package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tinkeractive/avalia"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFilePath string
	var debug bool
	root := &cobra.Command{
		Use:           "avalia",
		Short:         "Feedback form with an admin view, backed by Firestore",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "config file path (json, yaml or toml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "development logging and error bodies")

	loadConfig := func() (avalia.Config, error) {
		cfg := avalia.Config{}
		if configFilePath == "" {
			return cfg, errors.New("--config is required")
		}
		err := cfg.ParseFile(configFilePath)
		if err != nil {
			return cfg, err
		}
		if debug {
			cfg.Debug = true
		}
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the pages and the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "routes",
		Short: "Print the route table the config resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg.Routes)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the config without connecting to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			err = cfg.Firebase.Validate()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfg.Firebase.ProjectID, cfg.Backend)
			return nil
		},
	})
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return logConfig.Build()
}

func serve(ctx context.Context, cfg avalia.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("config", zap.String("config", cfg.String()))
	backend, err := avalia.Default(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("backend bootstrap: %w", err)
	}
	defer backend.Close()
	app, err := avalia.New(cfg, backend, logger)
	if err != nil {
		return err
	}
	var mgmtServer *http.Server
	if cfg.ManagementPort != "" {
		// management server listening for admin requests on management port
		mgmtServer = &http.Server{
			Handler:           app.ManagementRouter(),
			Addr:              ":" + cfg.ManagementPort,
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("listening on management port", zap.String("port", cfg.ManagementPort))
		go func() {
			err := mgmtServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("management server stopped", zap.Error(err))
			}
		}()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("port", cfg.ListenPort))
		errCh <- app.ListenAndServe()
	}()
	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mgmtServer != nil {
		_ = mgmtServer.Shutdown(shutdownCtx)
	}
	if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
