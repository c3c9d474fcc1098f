package feecatalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"crossarb/internal/model"
)

// Store serves the current catalog and swaps it atomically on reload.
type Store struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Catalog]
	modTime atomic.Int64
	onLoad  func(ok bool)
}

// Open loads path and returns a Store serving it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger.With(slog.String("component", "feecatalog"))}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStatic wraps a fixed catalog; Reload is a no-op for it.
func NewStatic(c *Catalog) *Store {
	s := &Store{logger: slog.Default()}
	s.current.Store(c)
	return s
}

// Catalog returns the catalog in effect.
func (s *Store) Catalog() *Catalog {
	return s.current.Load()
}

// Lookup delegates to the current catalog.
func (s *Store) Lookup(token, exchange, network string) (model.NetworkRoute, bool) {
	return s.Catalog().Lookup(token, exchange, network)
}

// RoutesFor delegates to the current catalog.
func (s *Store) RoutesFor(token, exchange string) []model.NetworkRoute {
	return s.Catalog().RoutesFor(token, exchange)
}

// OnReload registers a hook called after every reload attempt from Watch.
func (s *Store) OnReload(fn func(ok bool)) {
	s.onLoad = fn
}

// Reload re-reads the file. On error the previous catalog stays in effect.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("feecatalog: stat %s: %w", s.path, err)
	}
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)
	s.modTime.Store(info.ModTime().UnixNano())
	s.logger.Info("fee catalog loaded", slog.String("path", s.path), slog.Int("routes", c.Len()))
	return nil
}

// Watch reloads the file whenever its modification time changes.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	if s.path == "" || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				s.logger.Warn("fee catalog stat failed", slog.String("error", err.Error()))
				continue
			}
			if info.ModTime().UnixNano() == s.modTime.Load() {
				continue
			}
			err = s.Reload()
			if s.onLoad != nil {
				s.onLoad(err == nil)
			}
			if err != nil {
				// Remember the broken revision so it is not re-parsed every tick.
				s.modTime.Store(info.ModTime().UnixNano())
				s.logger.Error("fee catalog reload failed, keeping previous table", slog.String("error", err.Error()))
			}
		}
	}
}
