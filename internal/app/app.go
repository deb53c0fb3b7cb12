// Package app wires settings and the workspace into a ready Engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"watchkeeper/internal/blobstore"
	"watchkeeper/internal/config"
	"watchkeeper/internal/db"
	"watchkeeper/internal/engine"
	"watchkeeper/internal/migrate"
	"watchkeeper/internal/settings"
)

// ResolveConfig loads watchkeeper.yml from the workspace, falling back to the
// built-in defaults. vesselOverride wins over the file's vessel id.
func ResolveConfig(workspace, vesselOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		cfg = config.Default(vesselOverride)
	}
	if vesselOverride != "" {
		cfg.Vessel.ID = vesselOverride
	}
	return cfg, nil
}

// Runtime is an Engine plus the resources it holds open.
type Runtime struct {
	Engine  engine.Engine
	closers []func() error
}

// Close releases every resource in reverse order.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build opens and migrates the workspace database and attaches the
// classifier, lock, blob store and delivery backends chosen in s.
func Build(ctx context.Context, s settings.Settings, cfg *config.Config, logger logrus.FieldLogger) (*Runtime, error) {
	conn, err := db.Open(db.Config{Workspace: s.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &Runtime{closers: []func() error{conn.Close}}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		return fail(fmt.Errorf("migrate: %w", err))
	}
	e := engine.New(conn, cfg)
	if logger != nil {
		e.Logger = logger
	}
	if err := attachClassifier(&e, s, cfg); err != nil {
		return fail(err)
	}
	if err := attachLocker(ctx, &e, s, rt); err != nil {
		return fail(err)
	}
	root := s.StorageRoot
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(db.Dir(s.Workspace), "blobs")
	}
	if e.Blobs, err = blobstore.New(root); err != nil {
		return fail(fmt.Errorf("blob store: %w", err))
	}
	if err := attachDeliverer(&e, s, rt); err != nil {
		return fail(err)
	}
	rt.Engine = e
	return rt, nil
}

// Open is Build for CLI one-shots that only touch the database.
func Open(workspace string, cfg *config.Config) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	e.Blobs, err = blobstore.New(filepath.Join(db.Dir(workspace), "blobs"))
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	return e, conn, nil
}
