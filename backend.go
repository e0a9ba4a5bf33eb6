package avalia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// backend kinds for Config.Backend
const (
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

var (
	ErrMissingAPIKey    = errors.New("firebase config: apiKey is required")
	ErrMissingProjectID = errors.New("firebase config: projectId is required")
	ErrUnknownBackend   = errors.New("unknown backend")
)

// Backend holds the handles derived from one Firebase app.
type Backend struct {
	App       *firebase.App
	Analytics Analytics
	DB        Store
}

func (f FirebaseConfig) Validate() error {
	if f.APIKey == "" {
		return ErrMissingAPIKey
	}
	if f.ProjectID == "" {
		return ErrMissingProjectID
	}
	return nil
}

// NewBackend initializes the app handle and derives the analytics and
// database handles from it. Nothing is retried.
func NewBackend(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	err := cfg.Firebase.Validate()
	if err != nil {
		return nil, err
	}
	var opts []option.ClientOption
	if cfg.Firebase.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     cfg.Firebase.ProjectID,
		StorageBucket: cfg.Firebase.StorageBucket,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	b := &Backend{
		App:       app,
		Analytics: NewAnalytics(cfg, logger),
	}
	switch cfg.Backend {
	case BackendFirestore, "":
		b.DB, err = NewFirestoreStore(ctx, app, cfg.Collection, time.Duration(cfg.DBQueryTimeout)*time.Second)
	case BackendPostgres:
		b.DB, err = NewPostgresStore(ctx, cfg)
	case BackendMemory:
		b.DB = NewMemoryStore()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s database: %w", cfg.Backend, err)
	}
	logger.Info("backend initialized",
		zap.String("project_id", cfg.Firebase.ProjectID),
		zap.String("backend", cfg.Backend),
		zap.String("collection", cfg.Collection))
	return b, nil
}

func (b *Backend) Close() error {
	if b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

// process wide handles
var (
	defaultOnce    sync.Once
	defaultBackend *Backend
	defaultErr     error
)

// Default returns the process wide backend, initializing it on first use.
// Later calls get the same handles, or the same error, whatever cfg they pass.
func Default(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	defaultOnce.Do(func() {
		defaultBackend, defaultErr = NewBackend(ctx, cfg, logger)
	})
	return defaultBackend, defaultErr
}
