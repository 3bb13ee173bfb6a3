package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/face-verify/internal/antispoof"
	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/grpcclient"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/ratelimit"
	"github.com/example/face-verify/internal/usecase"
	"github.com/example/face-verify/internal/verification"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the service and blocks until the HTTP server stops. Every resource opened
// here is released before it returns.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var closers []io.Closer
	defer func() { closeAll(closers, logger) }()

	var (
		conn    *grpc.ClientConn
		dialErr error
	)
	if cfg.UsesRemote() {
		conn, dialErr = grpcclient.Dial(ctx, cfg.Inference.Addr, cfg.Inference.DialTimeout, logger)
		if dialErr == nil {
			closers = append(closers, conn)
		}
	}

	heuristic := verification.NewHeuristicLivenessEngine(nil, logger)
	estimator := verification.ResolveEstimator(livenessBuilder(cfg, conn, dialErr, logger, &closers), heuristic, logger)
	policy, err := verification.ParseFailurePolicy(cfg.Liveness.FailurePolicy)
	if err != nil {
		return fmt.Errorf("invalid liveness failure policy: %w", err)
	}
	livenessStage := verification.NewLivenessStage(estimator, cfg.Liveness.Threshold, policy, logger)

	matcher, matchThreshold, err := buildMatcher(cfg, conn, dialErr, logger, &closers)
	if err != nil {
		return verification.NewCapabilityInitError("face embedding", err)
	}
	matchStage := verification.NewMatchStage(matcher, matchThreshold, logger)

	decoder := imageprocessor.NewDecoder(1, imageprocessor.WithMaxPixels(int(cfg.HTTP.MaxImagePixels)))
	pipeline := verification.NewPipeline(decoder, livenessStage, matchStage, logger)

	cache, err := initCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	uc := usecase.NewVerificationUseCase(pipeline, cache, usecase.Options{
		Timeout:       cfg.HTTP.RequestTimeout,
		MaxConcurrent: cfg.HTTP.MaxConcurrent,
		ResultTTL:     cfg.Cache.ResultTTL,
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("liveness_method", string(pipeline.LivenessMethod())),
		zap.String("liveness_policy", string(livenessStage.Policy())),
		zap.Float64("liveness_threshold", livenessStage.Threshold()),
		zap.String("match_backend", cfg.Match.Backend),
		zap.Float64("match_threshold", matchStage.Threshold()),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

// newRouter builds the gin engine with the shared middleware and the API routes.
func newRouter(cfg *config.Config, svc handlers.VerificationService, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), cors.New(corsConfig(cfg.HTTP.CORSOrigins)))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	var apiMiddleware []gin.HandlerFunc
	if cfg.HTTP.RateLimit > 0 {
		apiMiddleware = append(apiMiddleware, ratelimit.TokenBucketPerIP(cfg.HTTP.RateLimit, time.Minute))
	}
	if cfg.Auth.JWTSecret != "" {
		apiMiddleware = append(apiMiddleware, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
	} else {
		logger.Warn("JWT_SECRET not set; /api routes are unauthenticated")
	}

	handlers.RegisterRoutes(r, svc, logger, apiMiddleware...)
	return r
}

// livenessBuilder returns the primary capability constructor for the configured backend,
// or nil when only the heuristic engine should run.
func livenessBuilder(cfg *config.Config, conn *grpc.ClientConn, dialErr error, logger *zap.Logger, closers *[]io.Closer) verification.PrimaryBuilder {
	switch cfg.Liveness.Backend {
	case config.LivenessOpenCV:
		return func() (verification.PrimaryLivenessCapability, error) {
			capability, err := antispoof.New(antispoof.Options{
				ModelDir:            cfg.Liveness.ModelDir,
				DetectorDir:         cfg.Liveness.DetectorDir,
				DetectionConfidence: cfg.Liveness.DetectionConfidence,
			}, logger)
			if err != nil {
				return nil, err
			}
			*closers = append(*closers, capability)
			return capability, nil
		}
	case config.LivenessRemote:
		return func() (verification.PrimaryLivenessCapability, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			client, err := grpcclient.NewLivenessClient(conn, cfg.Liveness.SubModels, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	default:
		return nil
	}
}

// buildMatcher constructs the face embedding capability and resolves the distance
// threshold that goes with it.
func buildMatcher(cfg *config.Config, conn *grpc.ClientConn, dialErr error, logger *zap.Logger, closers *[]io.Closer) (verification.FaceEmbeddingCapability, float64, error) {
	switch cfg.Match.Backend {
	case config.MatchRemote:
		if dialErr != nil {
			return nil, 0, dialErr
		}
		return grpcclient.NewEmbeddingClient(conn, logger), matchThreshold(cfg.Match.Threshold, verification.DefaultMatchDistanceThreshold), nil
	default:
		matcher, err := embedding.NewDlibMatcher(cfg.Match.DlibModelDir, logger)
		if err != nil {
			return nil, 0, err
		}
		*closers = append(*closers, matcher)
		return matcher, matchThreshold(cfg.Match.Threshold, embedding.DefaultDlibThreshold), nil
	}
}

func matchThreshold(configured, backendDefault float64) float64 {
	if configured > 0 {
		return configured
	}
	return backendDefault
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.Cache, error) {
	if cfg.Cache.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set; keeping verification results in process")
		return usecase.NewMemoryCache(cfg.Cache.ResultTTL, time.Minute), nil
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return usecase.NewRedisCache(client), nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func closeAll(closers []io.Closer, logger *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warn("failed to release resource", zap.Error(err))
		}
	}
}

// serveHTTPServer runs the server until it fails or a termination signal arrives, then
// waits up to shutdownTimeout for in-flight requests.
func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal; draining in-flight verifications",
			zap.String("signal", sig.String()),
			zap.Duration("timeout", shutdownTimeout),
		)
		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("drain verifications: %w", err)
		}
		err := <-errCh
		logger.Info("server stopped", zap.Duration("drained_in", time.Since(started)))
		return err
	}
}
