package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gomodule/redigo/redis"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"discourse/backend/internal/config"
)

// IntegrationSuite starts the containers an integration test needs. Postgres
// is always started; Redis and NSQ only when requested.
type IntegrationSuite struct {
	T       *testing.T
	DB      *sql.DB
	ConnStr string

	Redis    *redis.Pool
	NSQ      *nsq.Producer
	NSQDAddr string

	withRedis bool
	withNSQ   bool

	// Containers
	pgContainer    *postgres.PostgresContainer
	redisContainer testcontainers.Container
	nsqContainer   testcontainers.Container
}

type SuiteOption func(*IntegrationSuite)

func WithRedis() SuiteOption {
	return func(s *IntegrationSuite) { s.withRedis = true }
}

func WithNSQ() SuiteOption {
	return func(s *IntegrationSuite) { s.withNSQ = true }
}

func NewIntegrationSuite(t *testing.T, opts ...SuiteOption) *IntegrationSuite {
	s := &IntegrationSuite{T: t}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("discourse_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)
	s.ConnStr = connStr

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	// Run Migrations
	m, err := migrate.New(MigrationPath(), connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	// 2. Redis
	if s.withRedis {
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		}
		redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		require.NoError(s.T, err)
		s.redisContainer = redisC

		host, err := redisC.Host(ctx)
		require.NoError(s.T, err)
		port, err := redisC.MappedPort(ctx, "6379")
		require.NoError(s.T, err)

		addr := fmt.Sprintf("%s:%s", host, port.Port())
		s.Redis = &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: time.Minute,
			Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
		}
	}

	// 3. NSQ
	if s.withNSQ {
		nsqReq := testcontainers.ContainerRequest{
			Image:        "nsqio/nsq:v1.3.0",
			ExposedPorts: []string{"4150/tcp", "4151/tcp"},
			Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
			WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
		}
		nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: nsqReq,
			Started:          true,
		})
		require.NoError(s.T, err)
		s.nsqContainer = nsqC

		nsqHost, err := nsqC.Host(ctx)
		require.NoError(s.T, err)
		nsqPort, err := nsqC.MappedPort(ctx, "4150")
		require.NoError(s.T, err)

		s.NSQDAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
		s.NSQ, err = nsq.NewProducer(s.NSQDAddr, nsq.NewConfig())
		require.NoError(s.T, err)
	}
}

// Truncate empties the job table between subtests.
func (s *IntegrationSuite) Truncate() {
	_, err := s.DB.Exec("TRUNCATE background_jobs")
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.redisContainer != nil {
		s.redisContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
}

// GetAppConfig returns a config pointing at the suite's containers.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	ctx := context.Background()
	host, err := s.pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := s.pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)

	cfg := &config.Config{
		DBHost:                     host,
		DBPort:                     port.Int(),
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "discourse_test",
		MigrationPath:              MigrationPath(),
		LogLevel:                   "debug",
		EnableAPI:                  true,
		ServerPort:                 8080,
		EnableWorkers:              true,
		WorkerCount:                2,
		PollInterval:               50 * time.Millisecond,
		JobTimeout:                 5 * time.Second,
		JobMaxRetries:              3,
		ClaimMode:                  "skip_locked",
		RetryBaseDelay:             time.Second,
		RetryMaxDelay:              10 * time.Second,
		CandidateBatch:             5,
		ReclaimGrace:               time.Second,
		ShutdownTimeout:            5 * time.Second,
		EventsTopic:                "jobs.completed",
		RedisNamespace:             "discourse:test:",
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
	if s.NSQDAddr != "" {
		cfg.NSQDHost = s.NSQDAddr
	}
	if s.redisContainer != nil {
		rHost, err := s.redisContainer.Host(ctx)
		require.NoError(s.T, err)
		rPort, err := s.redisContainer.MappedPort(ctx, "6379")
		require.NoError(s.T, err)
		cfg.RedisURL = fmt.Sprintf("redis://%s:%s/0", rHost, rPort.Port())
	}
	return cfg
}

// MigrationPath returns the file:// URL of the repository's migrations.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	return fmt.Sprintf("file://%s/../../migrations", basepath)
}
