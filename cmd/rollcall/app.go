package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/matcher"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// app holds the services a command needs. Fields are nil until opened.
type app struct {
	store  *storage.Store
	ledger *ledger.Ledger
	model  *recognition.DlibModel
}

// openBackend builds the embedding store backend from configuration.
func openBackend(ctx context.Context, c *config.Config) (storage.Backend, error) {
	switch c.Storage.Backend {
	case "", "file":
		return storage.NewFileBackend(c.EncodingsPath()), nil
	case "minio":
		m := c.Storage.Minio
		client, err := storage.NewMinioClient(storage.MinioOptions{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		backend := storage.NewMinioBackend(client, m.Bucket, m.Prefix, c.Storage.EncodingsFile)
		if err := backend.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}

// openStore opens and loads the embedding store.
func openStore(ctx context.Context, c *config.Config) (*storage.Store, error) {
	backend, err := openBackend(ctx, c)
	if err != nil {
		return nil, err
	}

	var opts []storage.Option
	if c.Storage.EncryptionEnabled {
		key := storage.MachineKey()
		if c.Storage.EncryptionKey != "" {
			key, err = storage.ParseKey(c.Storage.EncryptionKey)
			if err != nil {
				return nil, err
			}
		}
		opts = append(opts, storage.WithEncryption(storage.NewSecretBox(key)))
	}

	store := storage.NewStore(backend, opts...)
	if _, err := store.Load(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// openLedger connects to the attendance database.
func openLedger(ctx context.Context, c *config.Config) (*ledger.Ledger, error) {
	loc := time.Local
	if c.Database.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Database.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid database timezone: %w", err)
		}
	}

	return ledger.Open(ctx, ledger.Config{
		Driver:       c.Database.Driver,
		URL:          c.Database.URL,
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxIdleConns: c.Database.MaxIdleConns,
		Location:     loc,
	})
}

// loadModel loads the dlib models.
func loadModel(c *config.Config) (*recognition.DlibModel, error) {
	model := recognition.NewDlibModel()
	if err := model.LoadModels(c.Recognition.ModelPath); err != nil {
		return nil, fmt.Errorf("%w (run 'rollcall models download' first)", err)
	}
	return model, nil
}

// newMatcher builds the matcher configured for the roster.
func newMatcher(c *config.Config, store *storage.Store) (*matcher.Matcher, error) {
	idx, err := matcher.NewIndex(c.Recognition.Index)
	if err != nil {
		return nil, err
	}
	return matcher.New(store, c.Recognition.Tolerance, matcher.WithIndex(idx)), nil
}

// open opens the requested services. On error everything opened so far is
// closed.
func open(ctx context.Context, c *config.Config, withStore, withLedger, withModel bool) (*app, error) {
	if err := c.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{}
	var err error
	if withStore {
		if a.store, err = openStore(ctx, c); err != nil {
			return nil, err
		}
	}
	if withLedger {
		if a.ledger, err = openLedger(ctx, c); err != nil {
			a.Close()
			return nil, err
		}
	}
	if withModel {
		if a.model, err = loadModel(c); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// recognizer wires the full pipeline. Requires store, ledger and model.
func (a *app) recognizer(c *config.Config) (*pipeline.Recognizer, error) {
	m, err := newMatcher(c, a.store)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRecognizer(a.model, a.model, m, a.ledger), nil
}

// Close releases every opened service and persists a dirty roster.
func (a *app) Close() {
	if a.store != nil && a.store.Dirty() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.store.Flush(ctx); err != nil {
			logging.WithError(err).Errorf("Failed to persist the student roster")
		}
		cancel()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.model != nil {
		_ = a.model.Close()
	}
}

func interval(c *config.Config) time.Duration {
	return time.Duration(c.Recognition.IntervalMS) * time.Millisecond
}
