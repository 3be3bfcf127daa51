// Package app assembles the service graph from configuration. Every backing
// service is optional: without a database, Redis or S3 the in-memory
// implementations stand in, which is what local runs and tests use.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/access"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/api"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/callback"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/coauthoring"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/config"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/database"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editing"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/files"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/keys"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/mail"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/processing"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/queue"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/repository"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/s3storage"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/signing"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/storage"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/upload"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/worker"
)

// App holds the assembled services.
type App struct {
	Config    *config.Config
	Keys      *keys.Codec
	Files     *files.Service
	Registry  coauthoring.Registry
	Uploads   *upload.Coordinator
	Callbacks *callback.StateMachine
	Editing   *editing.Service
	Editor    *editor.Client
	Tokens    *editor.TokenSigner
	URLs      *signing.Signer

	// memRegistry is set when the registry is process local and needs
	// pruning by the janitor.
	memRegistry *coauthoring.MemoryRegistry
	pool        *processing.Pool
	closers     []func()
	logger      *slog.Logger
}

// Build connects the configured backends and wires the services on top.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Keys:   keys.NewCodec(cfg.MachineKey),
		Tokens: editor.NewTokenSigner(cfg.EditorJWTSecret),
		URLs:   signing.NewSigner(cfg.SigningSecret),
		logger: logger.With(slog.String("component", "app")),
	}
	if err := a.build(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		repo     repository.FileRepository = repository.NewMemoryRepository()
		sessions upload.SessionStore       = upload.NewMemorySessionStore(0)
		blobs    storage.BlobStore         = storage.NewMemoryStore()
		pool     *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		var err error
		if pool, err = database.Connect(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		repo = repository.NewPostgresRepository(pool)
		sessions = upload.NewPostgresSessionStore(pool)
	}

	var presigner editing.Presigner
	if cfg.S3Endpoint != "" {
		s3, err := s3storage.New(cfg)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		blobs, presigner = s3, s3
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.Registry = coauthoring.NewRedisRegistry(rdb, cfg.EditingTTL)
	} else {
		a.memRegistry = coauthoring.NewMemoryRegistry(0)
		a.Registry = a.memRegistry
	}

	a.Editor = editor.NewClient(editor.ClientConfig{
		BaseURL:     cfg.EditorURL,
		Timeout:     cfg.EditorTimeout,
		Retries:     cfg.EditorRetries,
		MaxDownload: cfg.MaxFileSize,
		JWTHeader:   cfg.EditorJWTHeader,
	}, a.Tokens, logger)

	var dispatcher queue.Dispatcher
	if cfg.RedisAddr != "" {
		client := asynq.NewClient(RedisOpt(cfg))
		a.closers = append(a.closers, func() { _ = client.Close() })
		dispatcher = queue.NewAsynqDispatcher(client)
	} else {
		a.pool = processing.New(worker.NewProcessor(a.Editor, NewMailer(cfg, logger), logger), cfg.ProcessingPool, logger)
		dispatcher = a.pool
	}

	a.Files = files.NewService(repo, blobs, cfg.MaxFileSize, logger)
	a.Uploads = upload.NewCoordinator(sessions, a.Files, upload.Config{
		ChunkSize:   cfg.ChunkSize,
		MaxFileSize: cfg.MaxFileSize,
		SessionTTL:  cfg.UploadSessionTTL,
	}, logger)

	sm, err := callback.New(callback.Options{
		Keys:           a.Keys,
		Registry:       a.Registry,
		Storage:        a.Files,
		Downloader:     a.Editor,
		MailMerge:      dispatcher,
		SubmitKeyCache: cfg.SubmitKeyCache,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	a.Callbacks = sm

	opts := editing.Options{
		Files:     a.Files,
		Registry:  a.Registry,
		Resolver:  access.NewResolver(access.DefaultFormats()),
		Keys:      a.Keys,
		Tokens:    a.Tokens,
		URLs:      a.URLs,
		Presigner: presigner,
		PublicURL: cfg.PublicURL,
		LinkTTL:   cfg.SignedURLTTL,
		Logger:    logger,
	}
	if cfg.EditorURL != "" {
		opts.Commands = a.Editor
	}
	a.Editing = editing.NewService(opts)
	return nil
}

// API returns the HTTP server over the assembled services.
func (a *App) API() *api.Server {
	deps := api.Deps{
		Callbacks:  a.Callbacks,
		Uploads:    a.Uploads,
		Editing:    a.Editing,
		Files:      a.Files,
		URLs:       a.URLs,
		Tokens:     a.Tokens,
		JWTHeader:  a.Config.EditorJWTHeader,
		AuthSecret: a.Config.AuthSecret,
		MaxChunk:   a.Config.ChunkSize,
	}
	if a.Config.EditorURL != "" {
		deps.Editor = a.Editor
	}
	return api.New(a.Config.Address, deps, a.logger)
}

// Start launches the in-process mail-merge pool, when there is one.
func (a *App) Start(ctx context.Context) {
	if a.pool != nil {
		a.pool.Start(ctx)
	}
}

// Close releases backend connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Sweep purges expired upload sessions and, for a process-local registry,
// editors that stopped reporting.
func (a *App) Sweep(ctx context.Context, now time.Time) error {
	var errs []error
	if _, err := a.Uploads.PurgeExpired(ctx); err != nil {
		errs = append(errs, fmt.Errorf("purge uploads: %w", err))
	}
	if a.memRegistry != nil {
		if n := a.memRegistry.Prune(now.Add(-a.Config.EditingTTL)); n > 0 {
			a.logger.Info("idle editors pruned", slog.Int("count", n))
		}
	}
	return errors.Join(errs...)
}

// RunJanitor sweeps every JanitorInterval until ctx is cancelled.
func (a *App) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(a.Config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := a.Sweep(ctx, now); err != nil {
				a.logger.Warn("janitor sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RedisOpt is the asynq connection for cfg.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

// NewMailer sends through SMTP when an address is configured and only logs
// messages otherwise.
func NewMailer(cfg *config.Config, logger *slog.Logger) mail.Mailer {
	if cfg.SMTPAddr == "" {
		return mail.NewLogMailer(logger)
	}
	return mail.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPassword)
}
