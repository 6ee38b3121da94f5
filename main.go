package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/auth"
	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/config"
	"github.com/pliu/tandem/internal/events"
	"github.com/pliu/tandem/internal/handlers"
	"github.com/pliu/tandem/internal/logging"
	"github.com/pliu/tandem/internal/middleware"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/presence"
	"github.com/pliu/tandem/internal/store"
	"github.com/pliu/tandem/internal/store/breaker"
	"github.com/pliu/tandem/internal/store/mongostore"
	"github.com/pliu/tandem/internal/store/sqlstore"
	"github.com/pliu/tandem/internal/ws"
)

var configPath = flag.String("config", "", "path to a YAML config file")

// seeder is implemented by the concrete stores; accounts normally come from
// the auth service.
type seeder interface {
	store.Store
	CreateUser(ctx context.Context, u *models.User) error
	LinkPartners(ctx context.Context, a, b string) error
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	verifier, err := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		log.WithError(err).Fatal("jwt verifier")
	}

	if cfg.Database.Seed {
		if err := seedDemo(ctx, st, verifier); err != nil {
			log.WithError(err).Fatal("seed")
		}
	}

	guarded := breaker.New(st, breaker.Settings{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	}, logging.Component("breaker"))

	// Initialize the connection registry; with Redis it spans instances.
	hub := ws.NewHub(logging.Component("hub"))
	var registry chat.Registry = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		fanout := presence.New(hub, rdb, presence.Options{
			Prefix: cfg.Redis.Prefix,
			TTL:    cfg.Redis.TTL,
		}, logging.Component("presence"))
		go func() {
			if err := fanout.Run(ctx); err != nil {
				log.WithError(err).Error("presence fan-out stopped")
			}
		}()
		registry = fanout
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logging.Component("events"))
	}
	defer publisher.Close()

	policy, err := chat.ParseDeliveryPolicy(cfg.Chat.DeliveryPolicy)
	if err != nil {
		log.WithError(err).Fatal("delivery policy")
	}
	svc := chat.NewService(guarded, registry, publisher, chat.Config{
		Policy:        policy,
		TypingTimeout: cfg.Chat.TypingTimeout,
	}, logging.Component("chat"))
	defer svc.Close()

	wsServer := ws.NewServer(svc, verifier, ws.Config{
		AuthTimeout:     cfg.Ws.AuthTimeout,
		EventTimeout:    cfg.Ws.EventTimeout,
		EventsPerSecond: cfg.Ws.EventsPerSecond,
		Burst:           cfg.Ws.Burst,
		SendBuffer:      cfg.Ws.SendBuffer,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logging.Component("ws"))

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	handlers.Routes(r, svc, middleware.AuthMiddleware(verifier), wsServer.ServeWs)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithFields(log.Fields{
			"addr":   cfg.Server.Addr,
			"driver": cfg.Database.Driver,
			"policy": policy,
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

func openStore(ctx context.Context, db config.DatabaseCfg) (seeder, error) {
	if db.Driver == "mongo" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		st, err := mongostore.New(connectCtx, db.DSN, db.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := sqlstore.New(db.Driver, db.DSN)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// seedDemo creates a linked pair for local development and logs a token for
// each side.
func seedDemo(ctx context.Context, st seeder, verifier *auth.Verifier) error {
	pair := []models.User{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}}
	for i := range pair {
		_, err := st.GetUser(ctx, pair[i].ID)
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			if err := st.CreateUser(ctx, &pair[i]); err != nil {
				return err
			}
		case err != nil:
			return err
		}
	}
	if err := st.LinkPartners(ctx, pair[0].ID, pair[1].ID); err != nil {
		return err
	}
	for _, u := range pair {
		tok, err := verifier.Issue(u.ID, 24*time.Hour)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"user": u.ID, "token": tok}).Info("demo user ready")
	}
	return nil
}
