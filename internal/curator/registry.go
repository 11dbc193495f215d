package curator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/sanitize"
	"github.com/fyrsmithlabs/sqlrecall/internal/taxonomy"
)

// Registry opens one Curator per database on first use. Opening a store
// happens outside the registry lock, so a slow open for one database never
// delays lookups for another.
type Registry struct {
	dir      string
	embedder embeddings.Embedder
	taxonomy *taxonomy.Taxonomy
	cfg      config.CuratorConfig
	logger   *zap.Logger
	open     func(path string) (*Store, error)

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// slot holds one database's Curator once ready is closed.
type slot struct {
	ready   chan struct{}
	curator *Curator
	err     error
}

// NewRegistry creates a registry storing one SQLite file per database
// under dir.
func NewRegistry(dir string, embedder embeddings.Embedder, tax *taxonomy.Taxonomy, cfg config.CuratorConfig, logger *zap.Logger) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	expanded, err := config.ExpandPath(dir)
	if err != nil {
		return nil, err
	}
	if tax == nil {
		tax = taxonomy.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:      expanded,
		embedder: embedder,
		taxonomy: tax,
		cfg:      cfg,
		logger:   logger,
		open:     OpenStore,
		slots:    make(map[string]*slot),
	}, nil
}

// Get returns the Curator for dbID, opening its store if needed. Concurrent
// first calls for one dbID share a single open.
func (r *Registry) Get(ctx context.Context, dbID string) (*Curator, error) {
	if err := sanitize.ValidateDatabaseID(dbID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := r.slots[dbID]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		r.slots[dbID] = s
	}
	r.mu.Unlock()

	if !ok {
		s.curator, s.err = r.openCurator(ctx, dbID)
		if s.err != nil {
			r.mu.Lock()
			if r.slots[dbID] == s {
				delete(r.slots, dbID)
			}
			r.mu.Unlock()
		}
		close(s.ready)
	}

	select {
	case <-s.ready:
		return s.curator, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) openCurator(ctx context.Context, dbID string) (*Curator, error) {
	path, err := sanitize.ValidatePath(filepath.Join(r.dir, sanitize.StoreName(dbID)+".db"), r.dir)
	if err != nil {
		return nil, fmt.Errorf("store path for %q: %w", dbID, err)
	}
	store, err := r.open(path)
	if err != nil {
		return nil, fmt.Errorf("opening store for %q: %w", dbID, err)
	}
	c, err := New(dbID, store, r.embedder, r.cfg,
		WithTaxonomy(r.taxonomy),
		WithLogger(r.logger),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if n, err := store.Count(ctx); err == nil {
		setStored(dbID, n)
	}
	r.logger.Debug("opened confirmed fix store", zap.String("db_id", dbID), zap.String("path", path))
	return c, nil
}

// Databases returns the ids with an open Curator.
func (r *Registry) Databases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.slots))
	for id, s := range r.slots {
		select {
		case <-s.ready:
			if s.curator != nil {
				ids = append(ids, id)
			}
		default:
		}
	}
	return ids
}

// Close closes every open Curator, waiting for opens in flight.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	slots := r.slots
	r.slots = nil
	r.mu.Unlock()

	var errs []error
	for id, s := range slots {
		<-s.ready
		if s.curator == nil {
			continue
		}
		if err := s.curator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
