package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/relayguard/internal/bus"
	"github.com/stellarlinkco/relayguard/internal/channel"
	"github.com/stellarlinkco/relayguard/internal/classifier"
	"github.com/stellarlinkco/relayguard/internal/config"
	"github.com/stellarlinkco/relayguard/internal/cron"
	"github.com/stellarlinkco/relayguard/internal/relay"
	"github.com/stellarlinkco/relayguard/internal/store"
)

const purgeJobName = "purge-mappings"

// Handler processes one inbound event.
type Handler interface {
	Handle(ctx context.Context, msg bus.InboundMessage) error
}

// Options for creating a Gateway
type Options struct {
	Logger     *zap.Logger
	BotFactory channel.BotFactory // nil uses the real Bot API
	Classifier relay.Classifier   // nil builds one from cfg.Classifier
	Handler    Handler            // nil uses the relay engine
	Now        func() time.Time
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	log        *zap.Logger
	db         *store.DB
	mappings   *store.MappingStore
	bus        *bus.MessageBus
	telegram   *channel.TelegramChannel
	handler    Handler
	cron       *cron.Service
	now        func() time.Time
	signalChan chan os.Signal

	inflight     sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Gateway with default options
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	return NewWithOptions(cfg, Options{Logger: logger})
}

// NewWithOptions opens and migrates the store, then wires the transport,
// classifier, relay engine and housekeeping jobs.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	g := &Gateway{
		cfg:        cfg,
		log:        logger.Named("gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		now:        now,
		signalChan: opts.SignalChan,
	}

	loc, err := cfg.Alert.Location()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(context.Background(), cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	g.db = db
	g.mappings = store.NewMappingStore(db)
	trustStore := store.NewTrustStore(db)

	factory := opts.BotFactory
	var tg *channel.TelegramChannel
	if factory == nil {
		tg, err = channel.NewTelegramChannel(cfg.Telegram, g.bus, logger)
	} else {
		tg, err = channel.NewTelegramChannelWithFactory(cfg.Telegram, g.bus, logger, factory)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telegram channel: %w", err)
	}
	g.telegram = tg

	cls := opts.Classifier
	if cls == nil {
		if cfg.Classifier.APIKey == "" {
			g.log.Warn("classifier api_key is empty; relying on provider environment variables")
		}
		cls = classifier.NewLLM(cfg.Classifier)
	}

	g.handler = opts.Handler
	if g.handler == nil {
		g.handler = relay.New(tg, cls, trustStore, g.mappings, relay.Options{
			AdminID:             cfg.Admin.UserID,
			AlertChatID:         cfg.Admin.AlertChatID,
			NotifyOnAutoPromote: cfg.Trust.NotifyOnAutoPromote,
			Policy:              cfg.Trust.Policy(),
			Location:            loc,
			Now:                 now,
			Logger:              logger,
		})
	}

	g.cron = cron.NewService(logger)
	schedule := cfg.Mapping.PurgeSchedule
	if schedule == "" {
		schedule = config.DefaultPurgeSchedule
	}
	if err := g.cron.AddJob(purgeJobName, schedule, g.purgeMappings); err != nil {
		_ = db.Close()
		return nil, err
	}

	return g, nil
}

// purgeMappings drops mappings older than the configured retention.
func (g *Gateway) purgeMappings(ctx context.Context) (string, error) {
	cutoff := g.now().Add(-g.cfg.Mapping.Retention)
	n, err := g.mappings.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("purged %d mappings", n), nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.telegram.Start(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start telegram: %w", err)
	}

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn("cron start", zap.Error(err))
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		g.processLoop(ctx)
	}()

	g.log.Info("running",
		zap.String("mode", g.cfg.Telegram.Mode),
		zap.Int64("admin_id", g.cfg.Admin.UserID),
		zap.String("store", g.cfg.Store.Driver))

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		g.log.Info("shutting down", zap.Stringer("signal", sig))
	case <-ctx.Done():
		g.log.Info("shutting down", zap.Error(ctx.Err()))
	}

	cancel()
	<-loopDone
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	// In-flight events finish even after shutdown starts.
	eventCtx := context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.dispatch(eventCtx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch runs one event on its own goroutine.
func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) {
	if msg.EventID == "" {
		msg.EventID = uuid.NewString()
	}
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		if err := g.handler.Handle(ctx, msg); err != nil {
			g.log.Error("handle event",
				zap.String("event_id", msg.EventID),
				zap.Int("update_id", msg.UpdateID),
				zap.Int64("sender_id", msg.SenderID),
				zap.Error(err))
		}
	}()
}

// logJobs records what each housekeeping job did during this run.
func (g *Gateway) logJobs() {
	for _, j := range g.cron.ListJobs() {
		fields := []zap.Field{
			zap.String("job", j.Name),
			zap.Int("runs", j.State.Runs),
		}
		if j.State.Runs > 0 {
			fields = append(fields,
				zap.Time("last_run", j.State.LastRunAt),
				zap.String("last_status", j.State.LastStatus))
			if j.State.LastError != "" {
				fields = append(fields, zap.String("last_error", j.State.LastError))
			} else {
				fields = append(fields, zap.String("last_result", j.State.LastResult))
			}
		}
		g.log.Info("job summary", fields...)
	}
}

// Shutdown stops intake, waits for in-flight events, then releases the
// scheduler and the store. Safe to call more than once.
func (g *Gateway) Shutdown() error {
	var err error
	g.shutdownOnce.Do(func() {
		_ = g.telegram.Stop()
		g.inflight.Wait()
		g.cron.Stop()
		g.logJobs()
		if cerr := g.db.Close(); cerr != nil {
			err = fmt.Errorf("close store: %w", cerr)
		}
		g.log.Info("shutdown complete")
	})
	return err
}
