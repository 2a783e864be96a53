package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chatlink/connector/pkg/chat"
	"github.com/chatlink/connector/pkg/config"
	"github.com/chatlink/connector/pkg/connector"
	"github.com/chatlink/connector/pkg/lifecycle"
	"github.com/chatlink/connector/pkg/link"
	"github.com/chatlink/connector/pkg/logger"
	"github.com/chatlink/connector/pkg/oauth"
	"github.com/chatlink/connector/pkg/provision"
	"github.com/chatlink/connector/pkg/storage"
	"github.com/chatlink/connector/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the connector HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	provider := oauth.NewProvider(oauth.Config{
		AuthorizationURL: cfg.Vendor.AuthorizationURL,
		TokenURL:         cfg.Vendor.TokenURL,
		Scope:            cfg.Vendor.Scope,
		ClientID:         cfg.Vendor.ClientID,
		ClientSecret:     cfg.Vendor.ClientSecret,
		Name:             cfg.Vendor.Name,
		UserInfoURL:      cfg.Vendor.UserInfoURL,
		RedirectURL:      cfg.BaseURL + "/callback",
	}, oauth.Hooks{})

	tokens, err := storageTokenSource(cfg.Platform)
	if err != nil {
		return err
	}
	store := storage.NewClient(storageRoot(cfg.Platform), tokens)
	artifacts := provision.NewHTTPClient(cfg.Platform.BaseURL, cfg.Platform.FunctionAccessToken)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	links := link.NewManager(store, provider, artifacts, cfg.Platform, link.WithMetrics(metrics))
	dispatcher := chat.NewDispatcher(links, chat.NewLogResponder(), cfg.BaseURL, cfg.Vendor.Name)

	router := chi.NewRouter()
	router.Mount("/lifecycle", lifecycle.NewRoutes(cfg.Manager, artifacts).Router())
	router.Mount("/", connector.NewRoutes(links, dispatcher, provider, cfg.Platform,
		telemetry.Handler(prometheus.DefaultGatherer)).Router())

	return serve(cmd.Context(), cfg.Address, router)
}

// serve runs the HTTP server until the context is cancelled or a termination
// signal arrives, then shuts down gracefully.
func serve(ctx context.Context, address string, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("connector listening on %s", address)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// storageTokenSource selects the storage credential mode: a platform-supplied
// access token, or tokens minted from the deployment's own signing key.
func storageTokenSource(platform config.Platform) (storage.TokenSource, error) {
	if platform.SigningKeyFile == "" {
		return storage.StaticToken(platform.FunctionAccessToken), nil
	}
	pemKey, err := os.ReadFile(platform.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage signing key: %w", err)
	}
	return storage.NewSigningTokenSourceFromPEM(pemKey,
		platform.SigningKeyID, platform.TokenIssuerID, platform.TokenSubject, platform.BaseURL)
}

// storageRoot is the connector's private storage root on the platform API.
func storageRoot(platform config.Platform) string {
	return fmt.Sprintf("%s/v1/account/%s/subscription/%s/storage/%s",
		platform.BaseURL, platform.AccountID, platform.SubscriptionID, platform.StorageID)
}
