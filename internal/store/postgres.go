package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// Postgres is the SQL-backed Store, grounded on distr1-distri's
// cmd/distri-repobrowser/repobrowser.go (sql.Open("postgres", ...) via
// github.com/lib/pq), generalized from a read-only repo browser query
// to the full read/write contract over the three tables named in the
// persisted-state layout plus the single-row global_state watermark.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens dsn (the DATABASE_URL configuration value) and
// verifies connectivity with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	return &Postgres{db: db}, nil
}

// Schema is the DDL for the three logical tables plus the single-row
// global_state watermark. Callers apply it once at deployment time
// (e.g. via a migration tool); buildbtwd itself never runs DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS build_namespaces (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	origin_changesets JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS build_set_iterations (
	id TEXT PRIMARY KEY,
	namespace_id TEXT NOT NULL REFERENCES build_namespaces(id),
	created_at TIMESTAMPTZ NOT NULL,
	origin_changesets JSONB NOT NULL,
	packages_to_be_built JSONB NOT NULL,
	create_reason TEXT NOT NULL,
	build_graphs JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS gitlab_pipelines (
	id TEXT PRIMARY KEY,
	build_set_iteration_id TEXT NOT NULL REFERENCES build_set_iterations(id),
	pkgbase TEXT NOT NULL,
	project_gitlab_iid INTEGER NOT NULL,
	gitlab_iid INTEGER NOT NULL,
	architecture TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS global_state (
	gitlab_last_updated TEXT NOT NULL
);
`

func (p *Postgres) CreateNamespace(ctx context.Context, ns *buildbtw.Namespace) error {
	changesets, err := json.Marshal(ns.OriginChangesets)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO build_namespaces (id, name, origin_changesets, created_at, status) VALUES ($1, $2, $3, $4, $5)`,
		ns.ID, ns.Name, changesets, ns.CreatedAt, ns.Status)
	if isUniqueViolation(err) {
		return &buildbtw.NameTaken{Name: ns.Name}
	}
	return err
}

func (p *Postgres) Namespace(ctx context.Context, name string) (*buildbtw.Namespace, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, origin_changesets, created_at, status FROM build_namespaces WHERE name = $1`, name)
	return scanNamespace(row)
}

func (p *Postgres) ListNamespaces(ctx context.Context) ([]*buildbtw.Namespace, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, origin_changesets, created_at, status FROM build_namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*buildbtw.Namespace
	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (p *Postgres) CancelNamespace(ctx context.Context, name string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE build_namespaces SET status = $1 WHERE name = $2`, buildbtw.NamespaceCancelled, name)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNamespace(row scanner) (*buildbtw.Namespace, error) {
	var ns buildbtw.Namespace
	var changesets []byte
	if err := row.Scan(&ns.ID, &ns.Name, &changesets, &ns.CreatedAt, &ns.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	if err := json.Unmarshal(changesets, &ns.OriginChangesets); err != nil {
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	return &ns, nil
}

func (p *Postgres) CreateIteration(ctx context.Context, it *buildbtw.Iteration) error {
	return p.SaveIteration(ctx, it)
}

func (p *Postgres) SaveIteration(ctx context.Context, it *buildbtw.Iteration) error {
	origin, err := json.Marshal(it.OriginChangesets)
	if err != nil {
		return err
	}
	pkgs, err := json.Marshal(it.PackagesToBeBuilt())
	if err != nil {
		return err
	}
	graphs, err := json.Marshal(it.BuildGraphs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO build_set_iterations (id, namespace_id, created_at, origin_changesets, packages_to_be_built, create_reason, build_graphs)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET build_graphs = EXCLUDED.build_graphs`,
		it.ID, it.NamespaceID, it.CreatedAt, origin, pkgs, it.CreateReason, graphs)
	return err
}

func (p *Postgres) Iteration(ctx context.Context, namespaceID, iterationID string) (*buildbtw.Iteration, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, namespace_id, created_at, origin_changesets, create_reason, build_graphs
		FROM build_set_iterations WHERE namespace_id = $1 AND id = $2`, namespaceID, iterationID)
	return scanIteration(row)
}

func (p *Postgres) LatestIteration(ctx context.Context, namespaceID string) (*buildbtw.Iteration, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, namespace_id, created_at, origin_changesets, create_reason, build_graphs
		FROM build_set_iterations WHERE namespace_id = $1 ORDER BY created_at DESC LIMIT 1`, namespaceID)
	return scanIteration(row)
}

func scanIteration(row scanner) (*buildbtw.Iteration, error) {
	var it buildbtw.Iteration
	var origin, graphs []byte
	if err := row.Scan(&it.ID, &it.NamespaceID, &it.CreatedAt, &origin, &it.CreateReason, &graphs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	if err := json.Unmarshal(origin, &it.OriginChangesets); err != nil {
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	if err := json.Unmarshal(graphs, &it.BuildGraphs); err != nil {
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	return &it, nil
}

func (p *Postgres) NamespaceForIteration(ctx context.Context, iterationID string) (*buildbtw.Namespace, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT n.id, n.name, n.origin_changesets, n.created_at, n.status
		FROM build_namespaces n JOIN build_set_iterations i ON i.namespace_id = n.id
		WHERE i.id = $1`, iterationID)
	return scanNamespace(row)
}

func (p *Postgres) SavePipeline(ctx context.Context, h PipelineHandle) error {
	id := h.IterationID + "/" + string(h.Pkgbase) + "/" + string(h.Arch)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gitlab_pipelines (id, build_set_iteration_id, pkgbase, project_gitlab_iid, gitlab_iid, architecture)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET gitlab_iid = EXCLUDED.gitlab_iid`,
		id, h.IterationID, h.Pkgbase, h.ProjectID, h.Pipeline, h.Arch)
	return err
}

func (p *Postgres) Pipeline(ctx context.Context, iterationID string, pkg buildbtw.Pkgbase, arch buildbtw.Architecture) (*PipelineHandle, error) {
	id := iterationID + "/" + string(pkg) + "/" + string(arch)
	row := p.db.QueryRowContext(ctx, `
		SELECT build_set_iteration_id, pkgbase, project_gitlab_iid, gitlab_iid, architecture
		FROM gitlab_pipelines WHERE id = $1`, id)
	var h PipelineHandle
	if err := row.Scan(&h.IterationID, &h.Pkgbase, &h.ProjectID, &h.Pipeline, &h.Arch); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	return &h, nil
}

func (p *Postgres) Watermark(ctx context.Context) (time.Time, error) {
	row := p.db.QueryRowContext(ctx, `SELECT gitlab_last_updated FROM global_state LIMIT 1`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, &buildbtw.PersistenceCorrupted{Cause: err}
	}
	return time.Parse(time.RFC3339, raw)
}

func (p *Postgres) SetWatermark(ctx context.Context, t time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE global_state SET gitlab_last_updated = $1`, t.Format(time.RFC3339))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = p.db.ExecContext(ctx, `INSERT INTO global_state (gitlab_last_updated) VALUES ($1)`, t.Format(time.RFC3339))
	}
	return err
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the only pq error this package needs to
// distinguish from a generic failure.
func isUniqueViolation(err error) bool {
	pe, ok := err.(*pq.Error)
	return ok && pe.Code == "23505"
}

var _ Store = (*Postgres)(nil)
