package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/janog-netcon/netcon-score-server/internal/auth"
	"github.com/janog-netcon/netcon-score-server/internal/gateway"
	server "github.com/janog-netcon/netcon-score-server/pkg"
	"github.com/janog-netcon/netcon-score-server/pkg/allocator"
	"github.com/janog-netcon/netcon-score-server/pkg/catalog"
	"github.com/janog-netcon/netcon-score-server/pkg/config"
	"github.com/janog-netcon/netcon-score-server/pkg/metrics"
	"github.com/janog-netcon/netcon-score-server/pkg/notify"
	"github.com/janog-netcon/netcon-score-server/pkg/reconciler"
	"github.com/janog-netcon/netcon-score-server/pkg/worker"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the score server",
	Long:  "Starts the score server to handle environment acquisition requests from contest teams.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("scoreserver"))
		e.GET("/metrics", echoprometheus.NewHandler())

		cfg := config.Get()

		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			jwtSecret = cfg.Auth.JWTSecret
		}
		if jwtSecret == "" {
			zap.S().Fatal("JWT_SECRET is required")
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(jwtSecret),
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
		}
		e.Use(echojwt.WithConfig(jwtConfig))

		db, err := server.InitDB(cfg.Allocator.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to open database: %v", err)
		}

		idx, err := catalog.NewProblemIndex(cfg.Allocator.CatalogDir)
		if err != nil {
			zap.S().Fatalf("Failed to build problem catalog: %v", err)
		}

		if cfg.Allocator.Gateway.URL == "" {
			zap.S().Fatal("allocator.gateway.url is required")
		}
		gw := gateway.NewClient(cfg.Allocator.Gateway.URL, cfg.Allocator.Gateway.Timeout)

		var notifier allocator.Notifier
		if cfg.Allocator.Redis.Addr != "" && cfg.Allocator.NotifyChannel != "" {
			redisNotifier, err := notify.NewRedisNotifier(notify.RedisConfig{
				Addr:     cfg.Allocator.Redis.Addr,
				Password: cfg.Allocator.Redis.Password,
				DB:       cfg.Allocator.Redis.DB,
				Channel:  cfg.Allocator.NotifyChannel,
			}, zap.S())
			if err != nil {
				zap.S().Fatalf("Failed to connect notification channel: %v", err)
			}
			notifier = redisNotifier
		}

		engine := allocator.New(allocator.Options{
			DB:                    db,
			Gateway:               gw,
			Notifier:              notifier,
			Logger:                zap.S(),
			Mode:                  allocator.Mode(cfg.Allocator.Mode),
			LocalProblemCodes:     cfg.Allocator.LocalProblemCodes,
			MaxAttempts:           cfg.Allocator.MaxAttempts,
			GlobalAssignmentScope: cfg.Allocator.AssignmentScope == "global",
			ServicesFor: func(code string) []string {
				prob, err := idx.Get(code)
				if err != nil {
					return nil
				}
				return prob.Services
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		prometheus.MustRegister(metrics.NewEnvironmentCollector(db))

		var pool *worker.Pool
		if cfg.Allocator.Redis.Addr != "" {
			queue, err := worker.NewQueue(worker.QueueConfig{
				Addr:     cfg.Allocator.Redis.Addr,
				Password: cfg.Allocator.Redis.Password,
				DB:       cfg.Allocator.Redis.DB,
			}, zap.S())
			if err != nil {
				zap.S().Fatalf("Failed to connect job queue: %v", err)
			}
			prometheus.MustRegister(metrics.NewQueueCollector(queue))

			pool = worker.NewPool(worker.PoolConfig{
				NumWorkers: cfg.Allocator.NumWorkers,
				Queue:      queue,
				DB:         db,
				Gateway:    gw,
				Vocabulary: engine.Vocabulary(),
				Logger:     zap.S(),
			})
			pool.Start(ctx)

			rec := reconciler.New(reconciler.Options{
				DB:         db,
				Catalog:    idx,
				Queue:      queue,
				Vocabulary: engine.Vocabulary(),
				Interval:   cfg.Allocator.ReconcileInterval,
				SweepAfter: cfg.Allocator.SweepAfter,
				Replenish:  allocator.Mode(cfg.Allocator.Mode) == allocator.ModePool,
				Logger:     zap.S(),
			})
			go rec.Start(ctx)
		} else {
			zap.S().Warn("Redis is not configured: pool replenishment and teardown sweeps are disabled")
		}

		srv := server.NewServerWithOpts(server.ServerOpts{
			DB:             db,
			Engine:         engine,
			ConfigProvider: config.GlobalProvider{},
		})
		srv.RegisterRoutes(e.Group(""))

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()

		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		if pool != nil {
			pool.Stop()
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
