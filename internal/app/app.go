// Package app assembles the courier engine from configuration. The agent
// and the operator CLI share it so both see the same store, session and
// backend client.
package app

import (
	"context"
	"net/http"
	"net/http/cookiejar"

	"github.com/kimhsiao/logistik/backend/internal/config"
	"github.com/kimhsiao/logistik/backend/internal/connectivity"
	"github.com/kimhsiao/logistik/backend/internal/errors"
	"github.com/kimhsiao/logistik/backend/internal/geo"
	"github.com/kimhsiao/logistik/backend/internal/logging"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/photo"
	"github.com/kimhsiao/logistik/backend/internal/photo/s3"
	"github.com/kimhsiao/logistik/backend/internal/remote"
	"github.com/kimhsiao/logistik/backend/internal/services"
	"github.com/kimhsiao/logistik/backend/internal/session"
	"github.com/kimhsiao/logistik/backend/internal/store"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
	"github.com/kimhsiao/logistik/backend/internal/sync/scheduler"
)

// App holds every engine component.
type App struct {
	Config      *config.Config
	Session     *session.Session
	Store       *store.Store
	Monitor     *connectivity.Monitor
	HTTP        *http.Client
	Remote      *remote.Client
	Photos      *photo.Pipeline
	Bucket      *s3.Client // nil unless photos go to an object store
	Engine      *syncpkg.Orchestrator
	Scheduler   *scheduler.Scheduler
	Routes      *services.RouteService
	Occurrences *services.OccurrenceService
}

// Option customizes New.
type Option func(*options)

type options struct {
	httpClient *http.Client
	locator    geo.Locator
	online     bool
}

// WithHTTPClient replaces the backend HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLocator sets the default GPS source.
func WithLocator(l geo.Locator) Option {
	return func(o *options) { o.locator = l }
}

// StartOffline makes the monitor begin in the offline state.
func StartOffline() Option {
	return func(o *options) { o.online = false }
}

// StoreOptions maps configuration onto store options.
func StoreOptions(cfg *config.Config) store.Options {
	opts := store.Options{
		OpenAttempts:     cfg.Storage.OpenAttempts,
		RetryDelay:       cfg.Storage.RetryDelay(),
		TransientRetries: cfg.Storage.TransientRetries,
	}
	for _, t := range cfg.Occurrences.AllowedTypes {
		opts.AllowedTypes = append(opts.AllowedTypes, models.OccurrenceType(t))
	}
	return opts
}

// New opens the store and wires the engine. A store that cannot be opened
// leaves the App degraded rather than failing; only a session file that
// cannot be read or a bad uploader configuration is an error.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{online: true}
	for _, fn := range opts {
		fn(&o)
	}

	sess, err := session.Load(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorageUnavailable, "load session", err)
	}
	st := store.Open(ctx, cfg.DataDir, sess, StoreOptions(cfg))

	httpc := o.httpClient
	if httpc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			st.Close()
			return nil, errors.Wrap(errors.ErrInternal, "create cookie jar", err)
		}
		httpc = &http.Client{Jar: jar}
	}

	monitor := connectivity.NewMonitor(o.online)

	uploader, bucket, err := newUploader(cfg, httpc)
	if err != nil {
		st.Close()
		return nil, err
	}
	pipeline := photo.NewPipeline(uploader, monitor, photo.Options{
		Quality:   cfg.Photo.Quality,
		MaxWidth:  cfg.Photo.MaxWidth,
		MaxHeight: cfg.Photo.MaxHeight,
	})

	rc := remote.NewClient(remote.OptionsFromConfig(cfg), httpc, pipeline, monitor, nil)
	engine := syncpkg.NewOrchestrator(st, rc, monitor)
	sched := scheduler.NewScheduler(engine, monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval(),
		PassTimeout:  scheduler.DefaultSchedulerConfig().PassTimeout,
	})

	return &App{
		Config:      cfg,
		Session:     sess,
		Store:       st,
		Monitor:     monitor,
		HTTP:        httpc,
		Remote:      rc,
		Photos:      pipeline,
		Bucket:      bucket,
		Engine:      engine,
		Scheduler:   sched,
		Routes:      services.NewRouteService(st, rc, engine, monitor),
		Occurrences: services.NewOccurrenceService(st, engine, pipeline, o.locator, cfg.GPS.Timeout()),
	}, nil
}

// NewUploader picks the photo uploader named by photo.uploader.
func NewUploader(cfg *config.Config, httpc *http.Client) (photo.Uploader, error) {
	u, _, err := newUploader(cfg, httpc)
	return u, err
}

func newUploader(cfg *config.Config, httpc *http.Client) (photo.Uploader, *s3.Client, error) {
	switch cfg.Photo.Uploader {
	case "", "backend":
		return photo.NewBackendUploader(cfg.API.BaseURL, cfg.API.PhotoUploadPath, httpc), nil, nil
	case "object_store":
		return newObjectStoreUploader(cfg.ObjectStore)
	default:
		return nil, nil, errors.Newf(errors.ErrInvalid, "unknown photo uploader %q", cfg.Photo.Uploader)
	}
}

func newObjectStoreUploader(c config.ObjectStoreConfig) (photo.Uploader, *s3.Client, error) {
	var (
		client *s3.Client
		public = c.PublicBaseURL
		err    error
	)
	switch c.Provider {
	case "r2":
		client, err = s3.NewR2Client(&s3.R2Config{
			AccountID:  c.AccountID,
			BucketName: c.Bucket,
			AccessKey:  c.AccessKeyID,
			SecretKey:  c.SecretAccessKey,
		})
		if public == "" {
			public = s3.R2PublicBaseURL(c.AccountID)
		}
	case "minio":
		client, err = s3.NewMinIOClient(&s3.MinIOConfig{
			Endpoint:   c.Endpoint,
			BucketName: c.Bucket,
			AccessKey:  c.AccessKeyID,
			SecretKey:  c.SecretAccessKey,
			UseSSL:     c.UseSSL,
			Region:     c.Region,
		})
		if err == nil && public == "" {
			public, err = s3.MinIOPublicBaseURL(c.Endpoint, c.Bucket, c.UseSSL)
		}
	default:
		return nil, nil, errors.Newf(errors.ErrInvalid, "unknown object store provider %q", c.Provider)
	}
	if err != nil {
		return nil, nil, errors.Wrap(errors.ErrInvalid, "configure object store", err)
	}
	return photo.NewObjectStoreUploader(client, public), client, nil
}

// Run starts the scheduler and, when configured, active probing. It
// blocks until ctx is done, then stops the scheduler.
func (a *App) Run(ctx context.Context) error {
	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()

	logging.Info("courier engine running", map[string]interface{}{
		"data_dir": a.Config.DataDir,
		"backend":  a.Config.API.BaseURL,
		"degraded": a.Store.Degraded(),
	})
	a.Monitor.Watch(ctx, a.Remote, a.Config.Sync.ProbeInterval())
	<-ctx.Done()
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
