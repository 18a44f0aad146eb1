package eventhub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/randalmurphal/eventhub/pkg/eventhub/blob"
	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/config"
	"github.com/randalmurphal/eventhub/pkg/eventhub/dispatch"
	hberrors "github.com/randalmurphal/eventhub/pkg/eventhub/errors"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/hub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
	"github.com/randalmurphal/eventhub/pkg/eventhub/sqldb"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
	"github.com/randalmurphal/eventhub/pkg/eventhub/webhook"
)

// Version is reported to telemetry and by the CLI.
const Version = "0.1.0"

// DefaultProviderCategory is the Hub Protocol scope category served from
// the user's validated events.
const DefaultProviderCategory = "events"

// Platform is one fully wired eventhub instance.
type Platform struct {
	Logger     *slog.Logger
	Store      store.EventStore
	Dispatcher *dispatch.Dispatcher
	Relay      *dispatch.Relay
	Submitter  *pipeline.Submitter
	Projection pipeline.Projection
	Blobs      blob.Store
	Webhooks   *webhook.Service
	// Gateway is nil when no hub secret is configured.
	Gateway     *hub.Gateway
	Credentials hub.CredentialStore
	Failures    dispatch.FailureLog

	telemetry *observability.Provider
	closers   []io.Closer
	started   bool
}

// New builds a Platform from settings. Nothing runs until Start.
func New(ctx context.Context, s config.Settings, opts ...Option) (*Platform, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	bc := &buildConfig{}
	for _, opt := range opts {
		opt(bc)
	}
	if bc.clock == nil {
		bc.clock = clock.Real()
	}

	p := &Platform{}
	ok := false
	defer func() {
		if !ok {
			_ = p.closeAll()
		}
	}()

	if bc.logger == nil {
		l, err := observability.NewLogger(os.Stderr, s.Log.Format, s.Log.Level)
		if err != nil {
			return nil, err
		}
		bc.logger = l
	}
	p.Logger = bc.logger

	tel, err := observability.NewProvider(ctx, observability.ProviderConfig{
		ServiceName:    s.Telemetry.ServiceName,
		ServiceVersion: Version,
		Endpoint:       s.Telemetry.Endpoint,
		SampleRate:     s.Telemetry.SampleRate,
		Insecure:       s.Telemetry.Insecure,
		Enabled:        s.Telemetry.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	p.telemetry = tel
	metrics := tel.Metrics()

	db, dialect, err := p.openStore(s.Store, bc)
	if err != nil {
		return nil, err
	}

	schemas := bc.schemas
	if schemas == nil && s.Pipeline.SchemaDir != "" {
		if schemas, err = LoadSchemas(s.Pipeline.SchemaDir); err != nil {
			return nil, err
		}
	}

	p.Blobs = bc.blobs
	if p.Blobs == nil {
		if p.Blobs, err = p.openBlobs(ctx, s.Blob); err != nil {
			return nil, err
		}
	}

	var idem pipeline.IdempotencyStore = pipeline.NewMemoryIdempotency(bc.clock)
	if s.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: s.Redis.Addr})
		p.closers = append(p.closers, client)
		idem = pipeline.NewRedisIdempotency(client, s.Redis.Prefix)
	}

	var (
		cursors       dispatch.CursorStore      = dispatch.NewMemoryCursors()
		subscriptions webhook.SubscriptionStore = webhook.NewMemorySubscriptions()
		deadLetters   webhook.DeadLetterStore   = webhook.NewMemoryDeadLetters()
		failures      dispatch.FailureLog       = dispatch.NewMemoryFailureLog()
		creds         hub.CredentialStore       = hub.NewMemoryCredentials()
	)
	if db != nil {
		cursors = dispatch.NewSQLCursors(db, dialect)
		subscriptions = webhook.NewSQLSubscriptions(db, dialect)
		deadLetters = webhook.NewSQLDeadLetters(db, dialect)
		failures = dispatch.NewSQLFailureLog(db, dialect)
		creds = hub.NewSQLCredentials(db, dialect)
	}
	p.Failures = failures
	p.Credentials = creds

	var authz pipeline.Authorizer = pipeline.Ownership{Delegations: hub.Delegations(creds, bc.clock)}
	if s.Pipeline.Policy != "" {
		policy, err := pipeline.NewPolicyAuthorizer(s.Pipeline.Policy)
		if err != nil {
			return nil, fmt.Errorf("pipeline.policy: %w", err)
		}
		authz = pipeline.Chain(authz, policy)
	}

	retry := hberrors.DefaultRetry
	retry.MaxAttempts = s.Dispatch.MaxAttempts
	retry.InitialBackoff = s.Dispatch.InitialBackoff
	retry.AttemptTimeout = s.Dispatch.AttemptTimeout
	p.Dispatcher = dispatch.New(dispatch.Config{
		Retry:    retry,
		Lanes:    s.Dispatch.Lanes,
		Failures: failures,
		Logger:   p.Logger,
		Metrics:  metrics,
		Clock:    bc.clock,
	})
	if err := p.Dispatcher.Use(
		dispatch.Recovery(),
		dispatch.Logging(p.Logger),
		dispatch.Tracing(tel.Spans()),
	); err != nil {
		return nil, err
	}

	projection := bc.projection
	if projection == nil {
		mem := pipeline.NewMemoryProjection()
		at, err := pipeline.Rebuild(ctx, p.Store, mem, s.Dispatch.RelayBatch)
		if err != nil {
			return nil, err
		}
		if at > 0 {
			p.Logger.Info("projection rebuilt", "rows", mem.Len(), "position", int64(at))
		}
		projection = mem
	}
	p.Projection = projection
	p.Submitter = pipeline.NewSubmitter(p.Store, schemas, pipeline.SubmitterConfig{
		Logger:  p.Logger,
		Metrics: metrics,
		Clock:   bc.clock,
	})
	permission := pipeline.NewPermission(p.Store, pipeline.PermissionConfig{
		Projection:            projection,
		Authorizer:            authz,
		Idempotency:           idem,
		IdempotencyTTL:        s.Pipeline.IdempotencyTTL,
		DerivedIdempotencyTTL: s.Pipeline.DerivedIdempotencyTTL,
		Logger:                p.Logger,
		Metrics:               metrics,
		Clock:                 bc.clock,
	})
	worker := pipeline.NewWorker(p.Store, pipeline.WorkerConfig{
		Projection:       projection,
		Blobs:            p.Blobs,
		OffloadFields:    s.Pipeline.OffloadFields,
		OffloadThreshold: s.Pipeline.OffloadThreshold,
		Logger:           p.Logger,
		Metrics:          metrics,
	})
	if err := permission.Register(p.Dispatcher); err != nil {
		return nil, err
	}
	if err := worker.Register(p.Dispatcher); err != nil {
		return nil, err
	}
	if err := pipeline.RegisterEnrichers(p.Dispatcher, &pipeline.ContentDigest{
		Projection: projection,
		Blobs:      p.Blobs,
	}); err != nil {
		return nil, err
	}

	p.Webhooks = webhook.NewService(webhook.Config{
		Subscriptions: subscriptions,
		DeadLetters:   deadLetters,
		Deliverer:     webhook.NewDeliverer(bc.httpClient, s.Webhook.Timeout),
		Logger:        p.Logger,
		Metrics:       metrics,
		Clock:         bc.clock,
	})
	if err := p.Webhooks.Register(p.Dispatcher); err != nil {
		return nil, err
	}

	if s.Hub.Secret != "" {
		providers := hub.NewProviders()
		if err := providers.Register(hub.EventProvider{
			Name:    DefaultProviderCategory,
			Store:   p.Store,
			Pattern: pipeline.ValidatedPattern,
		}); err != nil {
			return nil, err
		}
		for _, dp := range bc.providers {
			if err := providers.Register(dp); err != nil {
				return nil, fmt.Errorf("register provider %s: %w", dp.Category(), err)
			}
		}
		gw, err := hub.NewGateway(p.Store, creds, providers, p.Submitter, hub.Config{
			Secret:    []byte(s.Hub.Secret),
			RateLimit: rate.Limit(s.Hub.RateLimit),
			Burst:     s.Hub.Burst,
			Logger:    p.Logger,
			Metrics:   metrics,
			Spans:     tel.Spans(),
			Clock:     bc.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("hub gateway: %w", err)
		}
		p.Gateway = gw
	}

	p.Relay = dispatch.NewRelay(p.Store, p.Dispatcher, dispatch.RelayConfig{
		BatchSize:    s.Dispatch.RelayBatch,
		PollInterval: s.Dispatch.RelayPoll,
		Cursors:      cursors,
		Logger:       p.Logger,
		Metrics:      metrics,
	})

	ok = true
	return p, nil
}

// openStore sets p.Store. It returns the SQL handle backing it, or nil
// for the memory store and injected stores.
func (p *Platform) openStore(s config.StoreSettings, bc *buildConfig) (*sql.DB, sqldb.Dialect, error) {
	if bc.store != nil {
		p.Store = bc.store
		p.closers = append(p.closers, bc.store)
		return nil, 0, nil
	}
	if s.Driver == "memory" {
		p.Store = store.NewMemoryStore()
		p.closers = append(p.closers, p.Store)
		return nil, 0, nil
	}

	db, dialect, err := sqldb.Open(s.Driver, s.DSN)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s store: %w", s.Driver, err)
	}
	p.closers = append(p.closers, db)
	if err := sqldb.Migrate(db, dialect); err != nil {
		return nil, 0, err
	}
	codec, err := event.CodecByName(s.Codec)
	if err != nil {
		return nil, 0, err
	}
	// The handle is shared with cursors, credentials and webhooks, so the
	// store does not own it.
	p.Store = store.NewSQLStore(db, dialect, store.WithCodec(codec))
	return db, dialect, nil
}

func (p *Platform) openBlobs(ctx context.Context, s config.BlobSettings) (blob.Store, error) {
	switch s.Backend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:   s.Bucket,
			Region:   s.Region,
			Endpoint: s.Endpoint,
			Prefix:   s.Prefix,
		})
	case "gcs":
		gcs, err := blob.NewGCSStore(ctx, blob.GCSConfig{Bucket: s.Bucket, Prefix: s.Prefix})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, gcs)
		return gcs, nil
	default:
		return blob.NewMemoryStore(), nil
	}
}

// LoadSchemas registers every <subject>.json file in dir as the data
// schema of that subject, for all actions.
func LoadSchemas(dir string) (*event.Schemas, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	schemas := event.NewSchemas()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		subject := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := schemas.Register(subject, event.AnyAction, string(data)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", subject, err)
		}
	}
	return schemas, nil
}

// Start runs the dispatcher, webhook deliveries and the relay until Stop.
func (p *Platform) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	p.Dispatcher.Start(ctx)
	p.Webhooks.Start(ctx)
	p.Relay.Start(ctx)
	p.Logger.Info("eventhub started", slog.Bool("hub", p.Gateway != nil))
}

// Stop halts background work and releases every resource New opened.
func (p *Platform) Stop(ctx context.Context) error {
	if p.started {
		p.Relay.Stop()
		p.Dispatcher.Stop()
		p.Webhooks.Stop()
		p.started = false
	}
	err := p.closeAll()
	if p.telemetry != nil {
		if terr := p.telemetry.Shutdown(ctx); terr != nil {
			err = errors.Join(err, fmt.Errorf("telemetry shutdown: %w", terr))
		}
	}
	return err
}

// closeAll closes in reverse order of opening.
func (p *Platform) closeAll() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Handler serves the Hub Protocol, webhook management and a health check.
func (p *Platform) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	if p.Gateway != nil {
		r.Mount("/hub/v1", p.Gateway.Routes())
	}
	r.Mount("/webhooks/v1", p.Webhooks.Routes())
	return r
}

// Server returns an http.Server for Handler with the configured timeouts.
func (p *Platform) Server(s config.HTTPSettings) *http.Server {
	return &http.Server{
		Addr:              s.Addr,
		Handler:           p.Handler(),
		ReadTimeout:       s.ReadTimeout,
		ReadHeaderTimeout: s.ReadTimeout,
		WriteTimeout:      s.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(p.Logger.Handler(), slog.LevelWarn),
	}
}
