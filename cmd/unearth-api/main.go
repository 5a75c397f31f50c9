package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/unearth/internal/accesslog"
	"github.com/MarcoPoloResearchLab/unearth/internal/accounts"
	"github.com/MarcoPoloResearchLab/unearth/internal/auth"
	"github.com/MarcoPoloResearchLab/unearth/internal/blobs"
	"github.com/MarcoPoloResearchLab/unearth/internal/config"
	"github.com/MarcoPoloResearchLab/unearth/internal/database"
	"github.com/MarcoPoloResearchLab/unearth/internal/drops"
	"github.com/MarcoPoloResearchLab/unearth/internal/hunts"
	"github.com/MarcoPoloResearchLab/unearth/internal/logging"
	"github.com/MarcoPoloResearchLab/unearth/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/unearth/internal/secrets"
	"github.com/MarcoPoloResearchLab/unearth/internal/server"
	"github.com/MarcoPoloResearchLab/unearth/internal/tiers"
	"github.com/MarcoPoloResearchLab/unearth/internal/unlock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "unearth-api"

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Unearth location-locked drop service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("trusted-proxies", defaults.GetStringSlice("http.trusted_proxies"), "Proxy CIDRs allowed to set the client address via forwarding headers")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("ratelimit-backend", defaults.GetString("ratelimit.backend"), "Attempt counter store (database, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis rate limit backend")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Drop file store (s3, memory)")
	cmd.PersistentFlags().String("storage-bucket", defaults.GetString("storage.bucket"), "Bucket holding drop files")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "ratelimit.backend", "ratelimit-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.bucket", "storage-bucket")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		tier        string
		admin       bool
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			parsedTier, err := tiers.ParseTier(tier)
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.Identity{
				UserID:      userID,
				DisplayName: displayName,
				Tier:        parsedTier,
				Admin:       admin,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name carried by the token")
	cmd.Flags().StringVar(&tier, "tier", string(tiers.TierFree), "Subscription tier (free, explorer, pro)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	rateStore, closeRateStore, err := newRateStore(db, appConfig)
	if err != nil {
		return err
	}
	defer closeRateStore()

	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Store:  rateStore,
		Policy: ratelimit.Policy{MaxAttempts: appConfig.RateLimit.MaxAttempts, Window: appConfig.RateLimit.Window},
	})
	if err != nil {
		return err
	}
	addresses, err := ratelimit.NewAddressHasher(appConfig.RateLimit.AddressSalt)
	if err != nil {
		return err
	}

	hasher, err := secrets.NewHasher(secrets.Params{
		MemoryKiB:   appConfig.Secrets.MemoryKiB,
		Iterations:  appConfig.Secrets.Iterations,
		Parallelism: appConfig.Secrets.Parallelism,
	})
	if err != nil {
		return err
	}

	store, err := newBlobStore(ctx, appConfig)
	if err != nil {
		return err
	}

	accessLog, err := accesslog.NewGormWriter(db)
	if err != nil {
		return err
	}
	accountService, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	repository, err := drops.NewRepository(db)
	if err != nil {
		return err
	}
	dropService, err := drops.NewService(drops.ServiceConfig{
		Repository: repository,
		Hasher:     hasher,
		Blobs:      store,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	memberships, err := hunts.NewMembershipStore(db)
	if err != nil {
		return err
	}
	huntService, err := hunts.NewService(hunts.ServiceConfig{
		Memberships: memberships,
		Catalog:     repository,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	unlockService, err := unlock.NewService(unlock.ServiceConfig{
		Drops:     repository,
		Verifier:  hasher,
		Limiter:   limiter,
		Addresses: addresses,
		Blobs:     store,
		AccessLog: accessLog,
		Accounts:  accountService,
		URLTTL:    appConfig.Storage.URLTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Accounts:       accountService,
		Unlock:         unlockService,
		Drops:          dropService,
		Hunts:          huntService,
		Reader:         repository,
		Throttle:       server.ThrottleConfig{RPS: appConfig.Throttle.RPS, Burst: appConfig.Throttle.Burst},
		TrustedProxies: appConfig.TrustedProxies,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.Database.Driver),
			zap.String("ratelimit_backend", appConfig.RateLimit.Backend),
			zap.String("storage_backend", appConfig.Storage.Backend),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newRateStore(db *gorm.DB, appConfig config.AppConfig) (ratelimit.Store, func(), error) {
	if appConfig.RateLimit.Backend != "redis" {
		store, err := ratelimit.NewGormStore(db)
		return store, func() {}, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.Redis.Address,
		Password: appConfig.Redis.Password,
		DB:       appConfig.Redis.DB,
	})
	store, err := ratelimit.NewRedisStore(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func newBlobStore(ctx context.Context, appConfig config.AppConfig) (blobs.Store, error) {
	if appConfig.Storage.Backend == "memory" {
		return blobs.NewMemoryStore(), nil
	}
	return blobs.NewS3Store(ctx, blobs.S3Config{
		Bucket:          appConfig.Storage.Bucket,
		Region:          appConfig.Storage.Region,
		Endpoint:        appConfig.Storage.Endpoint,
		AccessKeyID:     appConfig.Storage.AccessKeyID,
		SecretAccessKey: appConfig.Storage.SecretAccessKey,
		UsePathStyle:    appConfig.Storage.Endpoint != "",
	})
}
