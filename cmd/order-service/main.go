package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/orderboard/internal/admin"
	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/circuitbreaker"
	"github.com/jogardn/orderboard/internal/config"
	"github.com/jogardn/orderboard/internal/events"
	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/internal/realtime"
	"github.com/jogardn/orderboard/internal/store"
	"github.com/jogardn/orderboard/internal/websocket"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg := config.Load()
	loc, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := realtime.NewBroker(logger)
	breakers := circuitbreaker.NewManager(logger)

	var (
		repo     orders.Repository
		seq      orders.Sequencer
		changes  orders.ChangePublisher = broker
		listener *store.ChangeListener
		db       *sql.DB
	)

	switch cfg.StoreDriver {
	case "postgres":
		db, err = openDatabase(ctx, cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()

		repo = store.NewPostgresRepository(db)
		// Every replica hears every change through LISTEN/NOTIFY.
		changes = store.NewNotifyPublisher(db)
		listener = store.NewChangeListener(cfg.DSN(), broker, logger)
	case "memory":
		logger.Warn("Using in-memory store, orders will not survive a restart")
		repo = store.NewMemoryRepository()
	default:
		logger.WithField("driver", cfg.StoreDriver).Fatal("Unknown STORE_DRIVER")
	}

	switch cfg.SequenceKind {
	case "postgres":
		if db == nil {
			logger.Fatal("ORDER_SEQUENCE=postgres requires STORE_DRIVER=postgres")
		}
		seq = store.NewPostgresSequencer(db)
	case "redis":
		rs, err := store.NewRedisSequencer(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rs.Close()
		seq = rs
	case "memory":
		seq = store.NewMemorySequencer()
	default:
		logger.WithField("sequence", cfg.SequenceKind).Fatal("Unknown ORDER_SEQUENCE")
	}

	opts := []orders.ServiceOption{
		orders.WithTaxRate(cfg.TaxRate),
		orders.WithLocation(loc),
	}

	if cfg.KafkaBrokers != "" {
		breaker := breakers.GetOrCreate("kafka", circuitbreaker.Config{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		})
		producer, err := events.NewKafkaProducer(strings.Split(cfg.KafkaBrokers, ","), cfg.EventsTopic, breaker, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		opts = append(opts, orders.WithEventPublisher(producer))
	} else {
		logger.Info("KAFKA_BROKERS not set, domain events disabled")
	}

	service := orders.NewService(repo, seq, changes, logger, opts...)
	authn := auth.NewAuthenticator(cfg.JWTSecret, logger)
	hub := websocket.NewHub(broker, logger)
	orderHandler := orders.NewHandler(service, logger)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.HandleFunc("/health", orderHandler.HealthCheck).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(authn.Middleware)
	orderHandler.Register(api)
	admin.NewHandler(service, breakers, logger).Register(api)
	api.HandleFunc("/ws", hub.HandleWebSocket).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsMiddleware(cfg.CORSOrigin)(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if listener != nil {
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Ends every open feed so websocket handlers return.
		broker.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Order service stopped with error")
		os.Exit(1)
	}
	logger.Info("Server gracefully stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := store.CreateTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// corsMiddleware wraps the whole router so preflight requests are answered
// before route matching rejects the OPTIONS method.
func corsMiddleware(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
