// Command controller runs the browser session controller.
//
// The controller brokers ephemeral browser runner pods for caller services:
// it owns the session rows in MongoDB, provisions one runner pod and service
// per session in Kubernetes, and reclaims expired sessions with a background
// reaper. Controller replicas are stateless; any number can run behind one
// service address.
//
// # Configuration
//
// Environment variables (optionally layered over a YAML file passed with
// -config):
//
//	CONTROLLER_ADDR          - HTTP listen address (default: ":8000")
//	MONGO_URI                - MongoDB connection URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE           - Database name (default: "browserbroker")
//	REDIS_URL                - Redis address for the reaper sweep lock (optional)
//	CALLER_JWT_SECRET        - HS256 secret for caller tokens (required)
//	RUNNER_JWT_SECRET        - HS256 secret for runner bootstrap tokens (required)
//	RUNNER_NAMESPACE         - Namespace for runner pods (default: "omicron-browser")
//	RUNNER_IMAGE             - Runner pod image (required)
//	CONTROLLER_INTERNAL_URL  - Cluster URL runners use to fetch secrets (required)
//	ARTIFACTS_S3_BUCKET      - S3 bucket for session recordings (optional)
//	SESSION_TTL              - Default lease TTL (default: "10m")
//	REAPER_INTERVAL          - Reaper sweep interval (default: "30s")
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/omicronlabs/browserbroker/broker"
	"github.com/omicronlabs/browserbroker/broker/provision/k8s"
	storemongo "github.com/omicronlabs/browserbroker/broker/store/mongo"
	"github.com/omicronlabs/browserbroker/broker/token"
	vaultmongo "github.com/omicronlabs/browserbroker/broker/vault/mongo"
)

const (
	callerTokenTTL = 10 * time.Minute
	runnerTokenTTL = 5 * time.Minute
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML config file (optional)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()
	if *configF == "" {
		*configF = os.Getenv("CONTROLLER_CONFIG")
	}

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *dbgF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string, dbg bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Connect to MongoDB.
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Printf(ctx, "disconnect mongo: %v", err)
		}
	}()
	db := mongoClient.Database(cfg.MongoDatabase)

	sessions, err := storemongo.New(ctx, mongoClient, db.Collection(cfg.SessionCollection))
	if err != nil {
		return fmt.Errorf("create session store: %w", err)
	}
	secrets := vaultmongo.New(db.Collection(cfg.VaultCollection))

	// Redis backs the reaper's cross-replica sweep lock. Optional: without
	// it every replica sweeps, which is safe but noisy.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	callerTokens, err := token.New(cfg.CallerJWTSecret, cfg.CallerJWTAudience, callerTokenTTL)
	if err != nil {
		return fmt.Errorf("caller token domain: %w", err)
	}
	runnerTokens, err := token.New(cfg.RunnerJWTSecret, cfg.RunnerJWTAudience, runnerTokenTTL)
	if err != nil {
		return fmt.Errorf("runner token domain: %w", err)
	}

	provisioner, err := k8s.NewFromEnvironment()
	if err != nil {
		return fmt.Errorf("create kubernetes provisioner: %w", err)
	}

	svc, err := broker.New(broker.Config{
		Store:                sessions,
		Provisioner:          provisioner,
		Vault:                secrets,
		CallerTokens:         callerTokens,
		RunnerTokens:         runnerTokens,
		Namespace:            cfg.RunnerNamespace,
		RunnerImage:          cfg.RunnerImage,
		RunnerPort:           int32(cfg.RunnerPort),
		RunnerServiceAccount: cfg.RunnerServiceAccount,
		ControllerURL:        cfg.ControllerURL,
		TTL:                  cfg.TTL,
		MaxTTL:               cfg.MaxTTL,
		StaleStarting:        cfg.StaleStarting,
		StartupTimeout:       cfg.StartupTimeout,
		PollInterval:         cfg.PollInterval,
		PollDeadline:         cfg.PollDeadline,
		VaultSecretPrefix:    cfg.VaultSecretPrefix,
		ArtifactsBucket:      cfg.ArtifactsBucket,
		ArtifactsPrefixBase:  cfg.ArtifactsPrefixBase,
	})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}

	// Build the request multiplexer.
	mux := http.NewServeMux()
	svc.Mount(mux)

	pingers := []health.Pinger{sessions}
	if rdb != nil {
		pingers = append(pingers, redisPinger{rdb})
	}
	check := health.Handler(health.NewChecker(pingers...))
	mux.Handle("GET /healthz", check)
	mux.Handle("GET /livez", check)
	if dbg {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}

	var handler http.Handler = mux
	if cfg.RateLimit > 0 {
		handler = broker.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)))(handler)
	}
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	// Channel used by the signal handler and server goroutine to notify the
	// main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start the reaper.
	reaper := broker.NewReaper(svc, rdb, cfg.ReaperInterval)
	go reaper.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	// Wait for signal or server error.
	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "failed to shutdown: %v", err)
	}
	log.Printf(ctx, "exited")
	return nil
}

// redisPinger adapts a Redis client to the health check interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "reaper-redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
