package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"

	"yardlink.org/internal/auth"
	"yardlink.org/internal/config"
	"yardlink.org/internal/delivery"
	"yardlink.org/internal/dispatch"
	"yardlink.org/internal/httpapi"
	"yardlink.org/internal/magiclink"
	"yardlink.org/internal/notify"
	"yardlink.org/internal/obs"
	"yardlink.org/internal/operator"
	"yardlink.org/internal/queue"
	"yardlink.org/internal/store/pg"
	"yardlink.org/internal/token"
	"yardlink.org/internal/txn"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type storage struct {
	tokens token.Store
	runner txn.Runner
	dir    notify.Directory
	ready  httpapi.ReadyProbe
	close  func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("load config")
	}
	obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.InitBuildInfo(version, commit)
	obs.Init()
	logger := obs.WithComponent("main")

	st, err := openStorage(cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage")
	}
	defer func() { _ = st.close() }()

	registry := operator.NewRegistry(operator.WithAllowedOrigins(cfg.HTTP.CORSOrigins...))
	failures := &notify.FailureRelay{}
	router, err := notify.NewRouter(
		notify.NewWhatsAppChannel(notify.WhatsAppConfig{
			APIURL:         cfg.WhatsApp.APIURL,
			AccountSID:     cfg.WhatsApp.AccountSID,
			AuthToken:      cfg.WhatsApp.AuthToken,
			From:           cfg.WhatsApp.From,
			StatusCallback: cfg.WhatsApp.StatusCallback,
			Timeout:        cfg.WhatsApp.Timeout,
		}, st.tokens, notify.WithWhatsAppFailures(failures)),
		notify.NewEmailChannel(notify.SMTPConfig{
			Host:            cfg.SMTP.Host,
			Port:            cfg.SMTP.Port,
			Username:        cfg.SMTP.Username,
			Password:        cfg.SMTP.Password,
			From:            cfg.SMTP.From,
			FromName:        cfg.SMTP.FromName,
			StartTLS:        cfg.SMTP.StartTLS,
			Timeout:         cfg.SMTP.Timeout,
			MessageIDDomain: cfg.SMTP.MessageIDDomain,
		}, st.tokens, notify.WithEmailFailures(failures)),
		notify.NewOperatorChannel(registry),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("build channel router")
	}
	chain := notify.Chain(cfg.Dispatch.Chain)
	if err := router.Validate(chain); err != nil {
		logger.Fatal().Err(err).Strs("chain", chain).Msg("invalid notification chain")
	}

	dispatcher := dispatch.New(router, st.dir,
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithSendTimeout(cfg.Dispatch.SendTimeout),
		dispatch.WithChain(chain),
	)
	links, err := magiclink.NewService(st.tokens,
		magiclink.WithBaseURL(cfg.Links.BaseURL),
		magiclink.WithTTL(cfg.Links.TTL),
		magiclink.WithRunner(st.runner),
		magiclink.WithScheduler(dispatcher),
		magiclink.WithDirectory(st.dir),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("build magic link service")
	}

	deduper, closeDedup := buildDeduper(cfg.Redis)
	defer closeDedup()
	processor := delivery.NewProcessor(st.tokens, router, st.dir, links,
		delivery.WithDeduper(deduper),
		delivery.WithChain(chain),
	)
	failures.Bind(processor)

	tokens, err := auth.NewTokens([]byte(cfg.Auth.Secret), auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		logger.Fatal().Err(err).Msg("build token signer")
	}

	sup := suture.New("yardlink", suture.Spec{
		EventHook: obs.SupervisorHook(),
		Timeout:   cfg.HTTP.ShutdownTimeout,
	})
	sup.Add(dispatcher)

	deps := httpapi.Deps{
		Links:     links,
		Minter:    auth.NewMinter(tokens, cfg.Auth.SessionTTL),
		Verifier:  tokens,
		Status:    processor,
		Operators: registry,
		Ready:     st.ready,
	}

	if cfg.NATS.URL != "" {
		publisher, err := wireQueue(sup, cfg.NATS, processor)
		if err != nil {
			logger.Fatal().Err(err).Msg("wire status queue")
		}
		if cfg.Webhook.Async {
			deps.Publisher = queue.NewStatusPublisher(publisher, cfg.NATS.StatusTopic)
		}
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse trusted proxies")
	}
	api := httpapi.New(deps, httpapi.Settings{
		Version:        version,
		WebhookSecret:  []byte(cfg.Webhook.Secret),
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		TrustedProxies: proxies,
		ValidateRPS:    cfg.HTTP.ValidateRPS,
		ValidateBurst:  cfg.HTTP.ValidateBurst,
		OperatorAuth:   cfg.Auth.OperatorAuth,
	})
	sup.Add(httpapi.NewServer(&http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}, cfg.HTTP.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("version", version).Str("addr", cfg.HTTP.Addr).
		Bool("postgres", cfg.Database.DSN != "").
		Bool("nats", cfg.NATS.URL != "").
		Bool("redis", cfg.Redis.Addr != "").
		Msg("starting yardlink")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	dispatcher.Wait()
	logger.Info().Msg("stopped")
}

func openStorage(cfg config.DatabaseConfig) (*storage, error) {
	if cfg.DSN == "" {
		logger := obs.WithComponent("main")
		logger.Warn().Msg("no database configured; using in-memory token store and an empty directory")
		return &storage{
			tokens: token.NewInMemory(),
			runner: txn.Local{},
			dir:    notify.NewStaticDirectory(),
			close:  func() error { return nil },
		}, nil
	}
	store, err := pg.Open(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &storage{
		tokens: store,
		runner: store,
		dir:    pg.NewDirectory(store),
		ready:  store.Ping,
		close:  store.Close,
	}, nil
}

func buildDeduper(cfg config.RedisConfig) (delivery.Deduper, func()) {
	if cfg.Addr == "" {
		return delivery.NewMemoryDeduper(cfg.DedupTTL), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return delivery.NewRedisDeduper(client, "", cfg.DedupTTL), func() { _ = client.Close() }
}

// wireQueue adds the status consumer to sup and returns the publisher shared
// by the dead-letter sink and async webhook mode.
func wireQueue(sup *suture.Supervisor, cfg config.NATSConfig, handler queue.StatusHandler) (message.Publisher, error) {
	natsCfg := queue.NATSConfig{
		URL:              cfg.URL,
		QueueGroup:       cfg.QueueGroup,
		DurableName:      cfg.DurableName,
		SubscribersCount: cfg.Subscribers,
		AckWait:          cfg.AckWait,
		MaxDeliver:       cfg.MaxDeliver,
	}
	wmLogger := obs.NewWatermillLogger()
	sub, err := queue.NewNATSSubscriber(natsCfg, wmLogger)
	if err != nil {
		return nil, err
	}
	pub, err := queue.NewNATSPublisher(natsCfg, wmLogger)
	if err != nil {
		return nil, err
	}
	consumer := queue.NewConsumer(handler, queue.NewWatermillSink(pub, cfg.DLQTopic, "nats"))
	r, err := queue.NewRouter(sub, cfg.StatusTopic, consumer, wmLogger)
	if err != nil {
		return nil, err
	}
	sup.Add(queue.RouterService{Router: r})
	return pub, nil
}
