package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/session"
	"github.com/go-auth-nosql/internal/application/sweeper"
	"github.com/go-auth-nosql/internal/application/user"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/config"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/denylist"
	"github.com/go-auth-nosql/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-auth-nosql/internal/infrastructure/jwt"
	"github.com/go-auth-nosql/internal/infrastructure/memory"
	"github.com/go-auth-nosql/internal/infrastructure/notify"
	"github.com/go-auth-nosql/internal/infrastructure/redisstore"
	s3infra "github.com/go-auth-nosql/internal/infrastructure/s3"
	"github.com/go-auth-nosql/internal/infrastructure/smtp"
	"github.com/go-auth-nosql/internal/infrastructure/sns"
	"github.com/go-auth-nosql/internal/infrastructure/totp"
	"github.com/go-auth-nosql/internal/metrics"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/go-auth-nosql/internal/pkg/logger"
	transporthttp "github.com/go-auth-nosql/internal/transport/http"
	"github.com/go-auth-nosql/internal/transport/http/handler"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// stores groups the backend-specific implementations selected at startup.
type stores struct {
	records  verificationStore
	sessions session.Store
	users    userStore
	checks   map[string]handler.Check
	close    func()
}

type verificationStore interface {
	verification.RecordStore
	DeleteExpiredBefore(ctx context.Context, ts time.Time) (int, error)
}

type userStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Put(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, userID string, updates map[string]interface{}) error
}

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log := logger.New(cfg.LogLevel, cfg.AppEnv)
	defer func() { _ = log.Sync() }()
	if envErr != nil {
		log.Info("no .env file found, reading from environment")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RegisterMetrics(prometheus.DefaultRegisterer)

	awsCfg, err := dynamo.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	st, err := openStores(ctx, cfg, awsCfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	weak, err := loadDenylist(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	log.Info("credential denylist loaded", zap.Int("entries", weak.Len()))

	tokens, err := jwtinfra.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("jwt provider: %w", err)
	}

	clk := clock.Real{}
	otp := totp.NewProvider(cfg.TOTPIssuer, clk)
	codes := verification.NewService(verification.ServiceDeps{
		Store:         st.records,
		Users:         st.users,
		Notifier:      newNotifier(cfg, awsCfg, log),
		Secrets:       otp,
		Clock:         clk,
		TTLs:          cfg.CodeTTLs,
		NotifyTimeout: cfg.NotifyTimeout,
		Logger:        log,
	})
	sessions := session.NewManager(session.ManagerDeps{
		Store:            st.sessions,
		Clock:            clk,
		MaxActivePerUser: cfg.MaxActiveSessions,
		RefreshTTL:       cfg.RefreshTokenTTL,
		Logger:           log,
	})

	router := transporthttp.NewRouter(cfg, &transporthttp.Deps{
		Auth: auth.NewService(auth.ServiceDeps{
			Users:    st.users,
			Codes:    codes,
			Sessions: sessions,
			Tokens:   tokens,
			OTP:      otp,
			Denylist: weak,
			Logger:   log,
		}),
		Users:    user.NewService(user.ServiceDeps{UserRepo: st.users, Denylist: weak, Clock: clk}),
		Sessions: sessions,
		Tokens:   tokens,
		Checks:   st.checks,
		Logger:   log,
	})
	defer router.Stop()

	sw := sweeper.New(sweeper.Config{
		Interval:    cfg.SweepInterval,
		IdleTimeout: cfg.SessionIdleTimeout,
	}, st.records, sessions, clk, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.Run(ctx)
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("port", cfg.AppPort),
			zap.String("env", cfg.AppEnv),
			zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stop()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	if err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, awsCfg aws.Config, log *zap.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn("using in-memory stores; state is lost on restart")
		return &stores{
			records:  memory.NewVerificationStore(),
			sessions: memory.NewSessionStore(),
			users:    memory.NewUserStore(),
			checks:   map[string]handler.Check{},
			close:    func() {},
		}, nil

	case config.BackendRedis:
		rdb, err := redisstore.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		// Users stay in DynamoDB; Redis holds the short-lived state.
		client := dynamo.NewClient(awsCfg, cfg)
		dynamo.Bootstrap(ctx, client, config.DynamoTables{Users: cfg.DynamoTables.Users}, log)
		return &stores{
			records:  redisstore.NewVerificationStore(rdb, cfg.RedisKeyPrefix),
			sessions: redisstore.NewSessionStore(rdb, cfg.RedisKeyPrefix),
			users:    dynamo.NewUserRepo(client, cfg.DynamoTables.Users),
			checks: map[string]handler.Check{
				"redis":  func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
				"dynamo": describeTable(client, cfg.DynamoTables.Users),
			},
			close: func() { _ = rdb.Close() },
		}, nil

	case config.BackendDynamo:
		client := dynamo.NewClient(awsCfg, cfg)
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables, log)
		return &stores{
			records:  dynamo.NewVerificationRepo(client, cfg.DynamoTables.Verifications),
			sessions: dynamo.NewSessionRepo(client, cfg.DynamoTables.Sessions),
			users:    dynamo.NewUserRepo(client, cfg.DynamoTables.Users),
			checks: map[string]handler.Check{
				"dynamo": describeTable(client, cfg.DynamoTables.Sessions),
			},
			close: func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

func describeTable(client *dynamodb.Client, table string) handler.Check {
	return func(ctx context.Context) error {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		return err
	}
}

func loadDenylist(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (*denylist.Denylist, error) {
	d := denylist.New()
	if cfg.DenylistPath != "" {
		if err := d.LoadFile(cfg.DenylistPath); err != nil {
			return nil, fmt.Errorf("denylist file: %w", err)
		}
	}
	if cfg.DenylistS3Bucket != "" && cfg.DenylistS3Key != "" {
		store := s3infra.NewStore(s3infra.NewClient(awsCfg, cfg), cfg.DenylistS3Bucket)
		if err := d.LoadObject(ctx, store, cfg.DenylistS3Key); err != nil {
			return nil, fmt.Errorf("denylist object: %w", err)
		}
	}
	return d, nil
}

// newNotifier routes codes through SMTP and SNS, or only logs them when no
// mail server is configured.
func newNotifier(cfg *config.Config, awsCfg aws.Config, log *zap.Logger) notify.Sender {
	if cfg.SMTPHost == "" {
		log.Warn("SMTP_HOST not set; codes are logged instead of delivered")
		return notify.NewLogSender(log)
	}
	return notify.NewRouter(smtp.NewMailer(cfg), sns.NewSender(awsCfg, cfg), log)
}
