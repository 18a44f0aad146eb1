package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// StoreSettings selects the event store.
type StoreSettings struct {
	// Driver is memory, sqlite or postgres.
	Driver string
	DSN    string
	// Codec is json or cbor, for SQL payload columns.
	Codec string
}

// DispatchSettings configures handler delivery and the relay.
type DispatchSettings struct {
	Lanes          int
	MaxAttempts    int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
	RelayBatch     int
	RelayPoll      time.Duration
}

// PipelineSettings configures the mutation pipeline.
type PipelineSettings struct {
	IdempotencyTTL        time.Duration
	DerivedIdempotencyTTL time.Duration
	OffloadThreshold      int
	OffloadFields         []string
	// Policy is an optional CEL expression every request must satisfy in
	// addition to ownership.
	Policy string
	// SchemaDir holds <subject>.json data schemas.
	SchemaDir string
}

// HubSettings configures the Hub Protocol gateway.
type HubSettings struct {
	Secret    string
	RateLimit float64
	Burst     int
}

// WebhookSettings configures delivery.
type WebhookSettings struct {
	Timeout time.Duration
}

// BlobSettings selects the content store.
type BlobSettings struct {
	// Backend is memory, s3 or gcs.
	Backend  string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// RedisSettings enables Redis idempotency claims when Addr is set.
type RedisSettings struct {
	Addr   string
	Prefix string
}

// TelemetrySettings configures OTLP export.
type TelemetrySettings struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	SampleRate  float64
	Insecure    bool
}

// LogSettings configures the process logger.
type LogSettings struct {
	Format string
	Level  string
}

// HTTPSettings configures the listener.
type HTTPSettings struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Settings is the typed configuration of an eventhub process.
type Settings struct {
	Store     StoreSettings
	Dispatch  DispatchSettings
	Pipeline  PipelineSettings
	Hub       HubSettings
	Webhook   WebhookSettings
	Blob      BlobSettings
	Redis     RedisSettings
	Telemetry TelemetrySettings
	Log       LogSettings
	HTTP      HTTPSettings
}

// Defaults returns the settings used for every missing key.
func Defaults() Settings {
	return Settings{
		Store: StoreSettings{Driver: "memory", Codec: "json"},
		Dispatch: DispatchSettings{
			Lanes:          4,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			AttemptTimeout: 30 * time.Second,
			RelayBatch:     100,
			RelayPoll:      200 * time.Millisecond,
		},
		Pipeline: PipelineSettings{
			IdempotencyTTL:        24 * time.Hour,
			DerivedIdempotencyTTL: 5 * time.Minute,
			OffloadThreshold:      16 << 10,
			OffloadFields:         []string{"content"},
		},
		Hub:       HubSettings{RateLimit: 10, Burst: 20},
		Webhook:   WebhookSettings{Timeout: 10 * time.Second},
		Blob:      BlobSettings{Backend: "memory", Prefix: "blobs/"},
		Redis:     RedisSettings{Prefix: "eventhub:idem:"},
		Telemetry: TelemetrySettings{ServiceName: "eventhub", SampleRate: 1},
		Log:       LogSettings{Format: "json", Level: "info"},
		HTTP: HTTPSettings{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// FromConfig builds Settings from c over Defaults and validates them.
func FromConfig(c Config) (Settings, error) {
	d := Defaults()
	s := Settings{
		Store: StoreSettings{
			Driver: c.String("store.driver", d.Store.Driver),
			DSN:    c.String("store.dsn", d.Store.DSN),
			Codec:  c.String("store.codec", d.Store.Codec),
		},
		Dispatch: DispatchSettings{
			Lanes:          c.Int("dispatch.lanes", d.Dispatch.Lanes),
			MaxAttempts:    c.Int("dispatch.max_attempts", d.Dispatch.MaxAttempts),
			InitialBackoff: c.Duration("dispatch.initial_backoff", d.Dispatch.InitialBackoff),
			AttemptTimeout: c.Duration("dispatch.attempt_timeout", d.Dispatch.AttemptTimeout),
			RelayBatch:     c.Int("dispatch.relay_batch", d.Dispatch.RelayBatch),
			RelayPoll:      c.Duration("dispatch.relay_poll", d.Dispatch.RelayPoll),
		},
		Pipeline: PipelineSettings{
			IdempotencyTTL:        c.Duration("pipeline.idempotency_ttl", d.Pipeline.IdempotencyTTL),
			DerivedIdempotencyTTL: c.Duration("pipeline.derived_idempotency_ttl", d.Pipeline.DerivedIdempotencyTTL),
			OffloadThreshold:      c.Int("pipeline.offload_threshold", d.Pipeline.OffloadThreshold),
			OffloadFields:         c.StringSlice("pipeline.offload_fields", d.Pipeline.OffloadFields),
			Policy:                c.String("pipeline.policy", d.Pipeline.Policy),
			SchemaDir:             c.String("pipeline.schema_dir", d.Pipeline.SchemaDir),
		},
		Hub: HubSettings{
			Secret:    c.String("hub.secret", d.Hub.Secret),
			RateLimit: c.Float("hub.rate_limit", d.Hub.RateLimit),
			Burst:     c.Int("hub.burst", d.Hub.Burst),
		},
		Webhook: WebhookSettings{
			Timeout: c.Duration("webhook.timeout", d.Webhook.Timeout),
		},
		Blob: BlobSettings{
			Backend:  c.String("blob.backend", d.Blob.Backend),
			Bucket:   c.String("blob.bucket", d.Blob.Bucket),
			Region:   c.String("blob.region", d.Blob.Region),
			Endpoint: c.String("blob.endpoint", d.Blob.Endpoint),
			Prefix:   c.String("blob.prefix", d.Blob.Prefix),
		},
		Redis: RedisSettings{
			Addr:   c.String("redis.addr", d.Redis.Addr),
			Prefix: c.String("redis.prefix", d.Redis.Prefix),
		},
		Telemetry: TelemetrySettings{
			Enabled:     c.Bool("telemetry.enabled", d.Telemetry.Enabled),
			Endpoint:    c.String("telemetry.endpoint", d.Telemetry.Endpoint),
			ServiceName: c.String("telemetry.service_name", d.Telemetry.ServiceName),
			SampleRate:  c.Float("telemetry.sample_rate", d.Telemetry.SampleRate),
			Insecure:    c.Bool("telemetry.insecure", d.Telemetry.Insecure),
		},
		Log: LogSettings{
			Format: c.String("log.format", d.Log.Format),
			Level:  c.String("log.level", d.Log.Level),
		},
		HTTP: HTTPSettings{
			Addr:            c.String("http.addr", d.HTTP.Addr),
			ReadTimeout:     c.Duration("http.read_timeout", d.HTTP.ReadTimeout),
			WriteTimeout:    c.Duration("http.write_timeout", d.HTTP.WriteTimeout),
			ShutdownTimeout: c.Duration("http.shutdown_timeout", d.HTTP.ShutdownTimeout),
		},
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error
	oneOf := func(field, v string, allowed ...string) {
		if !slices.Contains(allowed, v) {
			errs = append(errs, fmt.Errorf("%s: %q is not one of %v", field, v, allowed))
		}
	}
	oneOf("store.driver", s.Store.Driver, "memory", "sqlite", "postgres")
	oneOf("store.codec", s.Store.Codec, "json", "cbor")
	oneOf("blob.backend", s.Blob.Backend, "memory", "s3", "gcs")
	oneOf("log.format", s.Log.Format, "json", "text")

	if s.Store.Driver != "memory" && s.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for "+s.Store.Driver))
	}
	if s.Blob.Backend != "memory" && s.Blob.Bucket == "" {
		errs = append(errs, errors.New("blob.bucket: required for "+s.Blob.Backend))
	}
	if s.Hub.Secret != "" && len(s.Hub.Secret) < 16 {
		errs = append(errs, errors.New("hub.secret: must be at least 16 bytes"))
	}
	if s.Hub.RateLimit <= 0 || s.Hub.Burst <= 0 {
		errs = append(errs, errors.New("hub.rate_limit and hub.burst: must be positive"))
	}
	if s.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts: must be at least 1"))
	}
	if s.Telemetry.SampleRate < 0 || s.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate: must be between 0 and 1"))
	}
	return errors.Join(errs...)
}
