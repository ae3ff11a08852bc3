package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"keel/apperr"
	"keel/model"
)

const fkViolation = "23503"

type DB struct {
	Pool *pgxpool.Pool
}

var _ Registry = (*DB)(nil)

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS saga_events (
			id         TEXT PRIMARY KEY,
			saga_id    TEXT NOT NULL,
			timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
			source     TEXT NOT NULL DEFAULT '',
			subject    TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL DEFAULT '',
			action     TEXT NOT NULL DEFAULT '',
			message    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_saga_saga_id ON saga_events(saga_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_saga_subject ON saga_events(subject, timestamp DESC);

		CREATE TABLE IF NOT EXISTS plans (
			uuid        TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			project_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			username    TEXT NOT NULL DEFAULT '',
			trust_id    TEXT NOT NULL DEFAULT '',
			trigger_id  TEXT NOT NULL UNIQUE,
			version     TEXT NOT NULL,
			content     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_plans_project ON plans(project_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS parameters (
			plan_uuid   TEXT PRIMARY KEY REFERENCES plans(uuid) ON DELETE CASCADE,
			user_params JSONB NOT NULL DEFAULT '{}',
			sys_params  JSONB NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS assemblies (
			uuid        TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			plan_uuid   TEXT NOT NULL REFERENCES plans(uuid) ON DELETE RESTRICT,
			status      TEXT NOT NULL,
			project_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			username    TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_assemblies_plan ON assemblies(plan_uuid);

		CREATE TABLE IF NOT EXISTS images (
			uuid          TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			source_uri    TEXT NOT NULL,
			base_image_id TEXT NOT NULL DEFAULT '',
			source_format TEXT NOT NULL DEFAULT '',
			image_format  TEXT NOT NULL DEFAULT '',
			state         TEXT NOT NULL,
			external_ref  TEXT NOT NULL DEFAULT '',
			assembly_uuid TEXT REFERENCES assemblies(uuid) ON DELETE SET NULL,
			project_id    TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_images_assembly ON images(assembly_uuid);
		CREATE INDEX IF NOT EXISTS idx_images_state ON images(state, updated_at);

		CREATE TABLE IF NOT EXISTS endpoints (
			assembly_uuid TEXT NOT NULL REFERENCES assemblies(uuid) ON DELETE RESTRICT,
			address       TEXT NOT NULL,
			image_id      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (assembly_uuid, address)
		);
	`)
	return err
}

// mapErr turns driver errors into registry error codes.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.CodeNotFound, "%s not found", what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == fkViolation {
		return apperr.Wrap(apperr.CodeStillReferenced, err, "%s is still referenced", what)
	}
	return err
}

func notFoundIfNone(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CodeNotFound, "%s not found", what)
	}
	return nil
}

func (db *DB) InsertPlan(ctx context.Context, p *model.Plan) error {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO plans (uuid, name, project_id, user_id, username, trust_id, trigger_id, version, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.UUID, p.Name, p.ProjectID, p.UserID, p.Username, p.TrustID, p.TriggerID, p.Version, content, p.CreatedAt,
	)
	return err
}

const planColumns = `uuid, name, project_id, user_id, username, trust_id, trigger_id, version, content, created_at`

func scanPlan(row pgx.Row) (*model.Plan, error) {
	var p model.Plan
	var content []byte
	if err := row.Scan(&p.UUID, &p.Name, &p.ProjectID, &p.UserID, &p.Username, &p.TrustID, &p.TriggerID, &p.Version, &content, &p.CreatedAt); err != nil {
		return nil, err
	}
	if len(content) > 0 {
		p.Content = &model.PlanContent{}
		if err := json.Unmarshal(content, p.Content); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (db *DB) GetPlan(ctx context.Context, uuid string) (*model.Plan, error) {
	p, err := scanPlan(db.Pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE uuid = $1`, uuid))
	return p, mapErr(err, "plan "+uuid)
}

func (db *DB) GetPlanByTrigger(ctx context.Context, triggerID string) (*model.Plan, error) {
	p, err := scanPlan(db.Pool.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE trigger_id = $1`, triggerID))
	return p, mapErr(err, "trigger "+triggerID)
}

func (db *DB) ListPlans(ctx context.Context, projectID string) ([]model.Plan, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

func (db *DB) DeletePlan(ctx context.Context, uuid string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM plans WHERE uuid = $1`, uuid)
	if err != nil {
		return mapErr(err, "plan "+uuid)
	}
	return notFoundIfNone(tag, "plan "+uuid)
}

func (db *DB) SaveParameters(ctx context.Context, p *model.Parameter) error {
	user, _ := json.Marshal(nonNil(p.UserParams))
	sys, _ := json.Marshal(nonNil(p.SysParams))
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO parameters (plan_uuid, user_params, sys_params) VALUES ($1, $2, $3)
		 ON CONFLICT (plan_uuid) DO UPDATE SET user_params = EXCLUDED.user_params, sys_params = EXCLUDED.sys_params`,
		p.PlanUUID, user, sys,
	)
	return mapErr(err, "plan "+p.PlanUUID)
}

func (db *DB) GetParameters(ctx context.Context, planUUID string) (*model.Parameter, error) {
	var user, sys []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT user_params, sys_params FROM parameters WHERE plan_uuid = $1`, planUUID,
	).Scan(&user, &sys)
	if err != nil {
		return nil, mapErr(err, "parameters for plan "+planUUID)
	}
	p := &model.Parameter{PlanUUID: planUUID}
	json.Unmarshal(user, &p.UserParams)
	json.Unmarshal(sys, &p.SysParams)
	return p, nil
}

func (db *DB) DeleteParameters(ctx context.Context, planUUID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM parameters WHERE plan_uuid = $1`, planUUID)
	return err
}

func (db *DB) InsertAssembly(ctx context.Context, a *model.Assembly) error {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO assemblies (uuid, name, plan_uuid, status, project_id, user_id, username, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		a.UUID, a.Name, a.PlanUUID, a.Status, a.ProjectID, a.UserID, a.Username, now,
	)
	return mapErr(err, "plan "+a.PlanUUID)
}

const assemblyColumns = `uuid, name, plan_uuid, status, project_id, user_id, username, created_at, updated_at`

func scanAssembly(row pgx.Row) (*model.Assembly, error) {
	var a model.Assembly
	err := row.Scan(&a.UUID, &a.Name, &a.PlanUUID, &a.Status, &a.ProjectID, &a.UserID, &a.Username, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (db *DB) GetAssembly(ctx context.Context, uuid string) (*model.Assembly, error) {
	a, err := scanAssembly(db.Pool.QueryRow(ctx, `SELECT `+assemblyColumns+` FROM assemblies WHERE uuid = $1`, uuid))
	return a, mapErr(err, "assembly "+uuid)
}

func (db *DB) ListAssemblies(ctx context.Context, planUUID string) ([]model.Assembly, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+assemblyColumns+` FROM assemblies WHERE plan_uuid = $1 ORDER BY created_at`, planUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Assembly
	for rows.Next() {
		a, err := scanAssembly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (db *DB) UpdateAssemblyStatus(ctx context.Context, uuid string, from, to model.AssemblyStatus) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE assemblies SET status = $1, updated_at = now() WHERE uuid = $2 AND status = $3`, to, uuid, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return db.missedUpdate(ctx, `SELECT status FROM assemblies WHERE uuid = $1`, "assembly", uuid, string(from))
}

func (db *DB) DeleteAssembly(ctx context.Context, uuid string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM assemblies WHERE uuid = $1`, uuid)
	if err != nil {
		return mapErr(err, "assembly "+uuid)
	}
	return notFoundIfNone(tag, "assembly "+uuid)
}

func (db *DB) InsertImage(ctx context.Context, img *model.Image) error {
	now := time.Now().UTC()
	img.CreatedAt, img.UpdatedAt = now, now
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO images (uuid, name, source_uri, base_image_id, source_format, image_format, state, external_ref, assembly_uuid, project_id, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $12)`,
		img.UUID, img.Name, img.SourceURI, img.BaseImageID, img.SourceFormat, img.ImageFormat,
		img.State, img.ExternalRef, img.AssemblyUUID, img.ProjectID, img.UserID, now,
	)
	return mapErr(err, "assembly "+img.AssemblyUUID)
}

const imageColumns = `uuid, name, source_uri, base_image_id, source_format, image_format, state, external_ref, COALESCE(assembly_uuid, ''), project_id, user_id, created_at, updated_at`

func scanImage(row pgx.Row) (*model.Image, error) {
	var i model.Image
	err := row.Scan(&i.UUID, &i.Name, &i.SourceURI, &i.BaseImageID, &i.SourceFormat, &i.ImageFormat,
		&i.State, &i.ExternalRef, &i.AssemblyUUID, &i.ProjectID, &i.UserID, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (db *DB) GetImage(ctx context.Context, uuid string) (*model.Image, error) {
	i, err := scanImage(db.Pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE uuid = $1`, uuid))
	return i, mapErr(err, "image "+uuid)
}

func (db *DB) UpdateImage(ctx context.Context, uuid string, from, to model.ImageState, externalRef string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE images SET state = $1, external_ref = CASE WHEN $2 = '' THEN external_ref ELSE $2 END, updated_at = now()
		 WHERE uuid = $3 AND state = $4`, to, externalRef, uuid, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return db.missedUpdate(ctx, `SELECT state FROM images WHERE uuid = $1`, "image", uuid, string(from))
}

// missedUpdate explains why a conditional status write changed no row.
func (db *DB) missedUpdate(ctx context.Context, query, kind, uuid, want string) error {
	var got string
	if err := db.Pool.QueryRow(ctx, query, uuid).Scan(&got); err != nil {
		return mapErr(err, kind+" "+uuid)
	}
	return apperr.New(apperr.CodeConflict, "%s %s is %s, not %s", kind, uuid, got, want)
}

func (db *DB) queryImages(ctx context.Context, query string, args ...any) ([]model.Image, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Image
	for rows.Next() {
		i, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}
	return out, rows.Err()
}

func (db *DB) ListImages(ctx context.Context, assemblyUUID string) ([]model.Image, error) {
	return db.queryImages(ctx,
		`SELECT `+imageColumns+` FROM images WHERE assembly_uuid = $1 ORDER BY created_at`, assemblyUUID)
}

// ListStaleImages returns in-flight images not updated since before.
func (db *DB) ListStaleImages(ctx context.Context, before time.Time) ([]model.Image, error) {
	return db.queryImages(ctx,
		`SELECT `+imageColumns+` FROM images
		 WHERE state IN ('PENDING', 'UNIT_TESTING', 'BUILDING') AND updated_at < $1
		 ORDER BY updated_at`, before)
}

func (db *DB) InsertEndpoint(ctx context.Context, e *model.Endpoint) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO endpoints (assembly_uuid, address, image_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (assembly_uuid, address) DO UPDATE SET image_id = EXCLUDED.image_id`,
		e.AssemblyUUID, e.Address, e.ImageID, e.CreatedAt,
	)
	return mapErr(err, "assembly "+e.AssemblyUUID)
}

func (db *DB) ListEndpoints(ctx context.Context, assemblyUUID string) ([]model.Endpoint, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT assembly_uuid, address, image_id, created_at FROM endpoints WHERE assembly_uuid = $1 ORDER BY created_at`,
		assemblyUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Endpoint
	for rows.Next() {
		var e model.Endpoint
		if err := rows.Scan(&e.AssemblyUUID, &e.Address, &e.ImageID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) DeleteEndpoints(ctx context.Context, assemblyUUID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM endpoints WHERE assembly_uuid = $1`, assemblyUUID)
	return err
}

// Healthy checks the database connection.
func (db *DB) Healthy(ctx context.Context) error {
	var n int
	return db.Pool.QueryRow(ctx, "SELECT 1").Scan(&n)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
