package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/4xmen/chatbridge/internal/auth"
	"github.com/4xmen/chatbridge/internal/conversations"
	"github.com/4xmen/chatbridge/internal/db"
	"github.com/4xmen/chatbridge/internal/delivery"
	"github.com/4xmen/chatbridge/internal/friends"
	"github.com/4xmen/chatbridge/internal/handlers"
	"github.com/4xmen/chatbridge/internal/logging"
	"github.com/4xmen/chatbridge/internal/metrics"
	"github.com/4xmen/chatbridge/internal/push"
	"github.com/4xmen/chatbridge/internal/registry"
	"github.com/4xmen/chatbridge/internal/rooms"
	"github.com/4xmen/chatbridge/internal/store"
	"github.com/4xmen/chatbridge/internal/users"
	"github.com/4xmen/chatbridge/internal/ws"
	"github.com/4xmen/chatbridge/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runServer(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chatbridge           Start the server")
	fmt.Fprintln(out, "  chatbridge status    Show storage statistics")
	fmt.Fprintln(out, "  chatbridge status --json")
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	content, err := store.NewContentStore(cfg.FileStoragePath)
	if err != nil {
		return fmt.Errorf("failed to initialize file storage: %w", err)
	}

	conn := database.GetConn()
	m := metrics.New(prometheus.DefaultRegisterer)

	userStore := users.NewStore(conn)
	authSvc := auth.NewWithTokenTTL(userStore, cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL)
	graph := friends.NewGraph(conn, userStore)
	messages := store.New(conn, content)
	reg := registry.New(m)
	assembler := conversations.NewAssembler(messages)

	notifier := push.NewNotifier(conn, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, logger)
	opts := delivery.Options{
		MaxUploadSize: cfg.MaxUploadSize,
		QueueSize:     cfg.PendingQueueSize,
		Metrics:       m,
	}
	if notifier != nil {
		opts.Notifier = notifier
	} else {
		logger.Info("web push disabled, no VAPID keys configured")
	}
	engine := delivery.New(rooms.NewResolver(userStore), messages, reg, logger, opts)

	loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
	registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

	wsServer := ws.NewServer(authSvc, reg, engine, graph, assembler, logger, m, ws.Options{
		AuthTimeout:     cfg.AuthTimeout,
		MaxUploadSize:   cfg.MaxUploadSize,
		AllowedOrigins:  cfg.CORSOrigins,
		LoginLimiter:    loginLimiter,
		RegisterLimiter: registerLimiter,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Logger:          logger,
		CORSOrigins:     cfg.CORSOrigins,
		Auth:            handlers.NewAuthHandler(authSvc),
		Friends:         handlers.NewFriendHandler(graph, userStore, wsServer),
		Messages:        handlers.NewMessageHandler(engine, assembler, messages, cfg.LongPollTimeout, cfg.MaxUploadSize),
		Push:            handlers.NewPushHandler(notifier),
		WebSocket:       wsServer.Handle,
		Metrics:         promhttp.Handler(),
		LoginLimiter:    loginLimiter,
		RegisterLimiter: registerLimiter,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// hijacked websocket connections are not tracked by Shutdown
		wsServer.Close()
		err := srv.Shutdown(shutdownCtx)
		notifier.Wait()
		return err
	})

	return g.Wait()
}
