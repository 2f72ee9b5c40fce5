package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/jbenholt/drupal-samlauth/internal/config"
	"github.com/jbenholt/drupal-samlauth/internal/db"
	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/notify"
	"github.com/jbenholt/drupal-samlauth/internal/repository"
	"github.com/jbenholt/drupal-samlauth/internal/routes"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
	"github.com/jbenholt/drupal-samlauth/internal/services/retention"
	"github.com/jbenholt/drupal-samlauth/internal/session"
	"github.com/jbenholt/drupal-samlauth/internal/tls"
	"github.com/jbenholt/drupal-samlauth/pkg/debug"
)

// dbLoginFinisher stamps the user's last login; it is the local login side
// effect the session authenticator runs exactly once per flow.
type dbLoginFinisher struct {
	users *repository.UserRepository
}

func (f *dbLoginFinisher) FinishLogin(ctx context.Context, user *models.User) error {
	return f.users.UpdateLastLogin(ctx, user.ID)
}

func main() {
	if err := godotenv.Load(); err != nil {
		debug.Debug("No .env file found, using environment variables")
	}
	debug.Reinitialize()

	cfg, err := config.Load()
	if err != nil {
		debug.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		debug.Error("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.RunMigrations(database, cfg.MigrationsPath); err != nil {
		debug.Error("Failed to run migrations: %v", err)
		os.Exit(1)
	}

	enc, err := saml.NewEncryptionService()
	if err != nil {
		debug.Error("Failed to initialize encryption service: %v", err)
		os.Exit(1)
	}

	settingsRepo := repository.NewSettingsRepository(database)
	userRepo := repository.NewUserRepository(database)
	sessions := session.NewPostgresStore(database)

	resolver := saml.NewSettingsResolver(cfg.IdPOverrides, settingsRepo, enc, nil)

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		debug.Error("Failed to initialize notifications: %v", err)
		os.Exit(1)
	}
	var hooks []saml.PostLoginHook
	if notifier != nil {
		hooks = append(hooks, notifier)
	}

	manager, err := saml.NewManager(saml.ManagerConfig{
		BaseURL:        cfg.BaseURL,
		Resolver:       resolver,
		Sessions:       sessions,
		Accounts:       userRepo,
		Finisher:       &dbLoginFinisher{users: userRepo},
		PostLoginHooks: hooks,
	})
	if err != nil {
		debug.Error("Failed to build SAML manager: %v", err)
		os.Exit(1)
	}

	retentionService := retention.NewRetentionService(sessions, userRepo, cfg.SessionMaxAge, cfg.LoginAttemptMaxAge)
	if err := retentionService.Start(cfg.RetentionSchedule); err != nil {
		debug.Error("Failed to start retention service: %v", err)
		os.Exit(1)
	}
	defer retentionService.Stop()

	router := mux.NewRouter()
	routes.SetupSAMLRoutes(router, manager, userRepo)
	routes.SetupAdminRoutes(router, settingsRepo, manager, enc, sessions)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	tlsConfig := tls.Config{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile}
	if tlsConfig.Enabled() {
		serverTLS, err := tls.Load(tlsConfig)
		if err != nil {
			debug.Error("Failed to load TLS configuration: %v", err)
			os.Exit(1)
		}
		server.TLSConfig = serverTLS
	}

	go func() {
		var err error
		if server.TLSConfig != nil {
			debug.Info("Listening on %s (TLS)", cfg.ListenAddr)
			err = server.ListenAndServeTLS("", "")
		} else {
			debug.Info("Listening on %s", cfg.ListenAddr)
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			debug.Error("Server failed: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	debug.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		debug.Error("Shutdown failed: %v", err)
	}
}
