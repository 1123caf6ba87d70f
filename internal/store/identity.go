// Package store holds the persistence gateways: PostgreSQL for the identity
// graph and explanations, ClickHouse for the event store, Redis for the
// feature and decision caches.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
)

// IdentityStore implements identity.Store against PostgreSQL. Edges are
// stored once per unordered pair; cache rows are last-writer-wins; the audit
// log is append-only.
type IdentityStore struct{ db *sql.DB }

// NewIdentityStore creates a Postgres-backed identity store.
func NewIdentityStore(db *sql.DB) *IdentityStore { return &IdentityStore{db: db} }

// EnsureTables creates the identity tables if they do not exist. Intended for
// local development and tests; production schemas are migrated out of band.
func (s *IdentityStore) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS identity_graph (
			a_type      TEXT NOT NULL,
			a_value     TEXT NOT NULL,
			b_type      TEXT NOT NULL,
			b_value     TEXT NOT NULL,
			weight      DOUBLE PRECISION NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (a_type, a_value, b_type, b_value)
		)`,
		`CREATE INDEX IF NOT EXISTS identity_graph_b_idx ON identity_graph (b_type, b_value)`,
		`CREATE TABLE IF NOT EXISTS resolved_identities (
			identifier_type  TEXT NOT NULL,
			identifier_value TEXT NOT NULL,
			universal_id     TEXT NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL,
			last_seen        TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (identifier_type, identifier_value)
		)`,
		`CREATE INDEX IF NOT EXISTS resolved_identities_uid_idx ON resolved_identities (universal_id)`,
		`CREATE TABLE IF NOT EXISTS identity_audit_log (
			id               BIGSERIAL PRIMARY KEY,
			resolution_id    TEXT NOT NULL,
			universal_id     TEXT NOT NULL,
			input_identifier TEXT NOT NULL,
			input_type       TEXT NOT NULL,
			step             TEXT NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS identity_audit_log_res_idx ON identity_audit_log (resolution_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure identity tables: %w", err)
		}
	}
	return nil
}

func (s *IdentityStore) CachedResolution(ctx context.Context, id domain.Identifier) (*domain.ResolutionCacheEntry, error) {
	e := &domain.ResolutionCacheEntry{Identifier: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT universal_id, confidence, last_seen, created_at
		FROM resolved_identities
		WHERE identifier_type = $1 AND identifier_value = $2
	`, string(id.Type), id.Value).Scan(&e.UniversalID, &e.Confidence, &e.LastSeen, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "cached resolution lookup")
	}
	return e, nil
}

func (s *IdentityStore) UpsertResolution(ctx context.Context, entry domain.ResolutionCacheEntry) error {
	lastSeen := entry.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolved_identities
			(identifier_type, identifier_value, universal_id, confidence, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier_type, identifier_value) DO UPDATE SET
			universal_id = EXCLUDED.universal_id,
			confidence   = EXCLUDED.confidence,
			last_seen    = EXCLUDED.last_seen
	`, string(entry.Identifier.Type), entry.Identifier.Value,
		entry.UniversalID, entry.Confidence, lastSeen)
	if err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "upsert resolution")
	}
	return nil
}

func (s *IdentityStore) ResolutionsByUniversalID(ctx context.Context, universalID string) ([]domain.ResolutionCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier_type, identifier_value, universal_id, confidence, last_seen, created_at
		FROM resolved_identities
		WHERE universal_id = $1
	`, universalID)
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "resolutions by universal id")
	}
	defer rows.Close()

	var out []domain.ResolutionCacheEntry
	for rows.Next() {
		var e domain.ResolutionCacheEntry
		var typ string
		if err := rows.Scan(&typ, &e.Identifier.Value, &e.UniversalID, &e.Confidence, &e.LastSeen, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		e.Identifier.Type = domain.IdentifierType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEdge writes an undirected edge. The pair is canonicalized before the
// write so (a,b) and (b,a) land on one row; re-emits keep the maximum weight.
func (s *IdentityStore) UpsertEdge(ctx context.Context, edge domain.IdentityEdge) error {
	a, b := edge.A, edge.B
	if b.Type < a.Type || (b.Type == a.Type && b.Value < a.Value) {
		a, b = b, a
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_graph (a_type, a_value, b_type, b_value, weight, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (a_type, a_value, b_type, b_value) DO UPDATE SET
			weight     = GREATEST(identity_graph.weight, EXCLUDED.weight),
			source     = EXCLUDED.source,
			updated_at = NOW()
	`, string(a.Type), a.Value, string(b.Type), b.Value, edge.Weight, edge.Source)
	if err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "upsert identity edge")
	}
	return nil
}

func (s *IdentityStore) Neighbors(ctx context.Context, id domain.Identifier) ([]domain.IdentityEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a_type, a_value, b_type, b_value, weight, source, created_at, updated_at
		FROM identity_graph
		WHERE (a_type = $1 AND a_value = $2) OR (b_type = $1 AND b_value = $2)
	`, string(id.Type), id.Value)
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "identity neighbors")
	}
	defer rows.Close()

	var out []domain.IdentityEdge
	for rows.Next() {
		var e domain.IdentityEdge
		var at, bt string
		if err := rows.Scan(&at, &e.A.Value, &bt, &e.B.Value, &e.Weight, &e.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity edge: %w", err)
		}
		e.A.Type = domain.IdentifierType(at)
		e.B.Type = domain.IdentifierType(bt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *IdentityStore) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_audit_log
			(resolution_id, universal_id, input_identifier, input_type, step, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ResolutionID, rec.UniversalID, rec.InputIdentifier,
		string(rec.InputType), rec.Step, rec.Confidence, createdAt)
	if err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "append identity audit")
	}
	return nil
}

// AuditTrail returns the ordered derivation steps for one resolution.
func (s *IdentityStore) AuditTrail(ctx context.Context, resolutionID string) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resolution_id, universal_id, input_identifier, input_type, step, confidence, created_at
		FROM identity_audit_log
		WHERE resolution_id = $1
		ORDER BY id
	`, resolutionID)
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "audit trail")
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var typ string
		if err := rows.Scan(&rec.ResolutionID, &rec.UniversalID, &rec.InputIdentifier,
			&typ, &rec.Step, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.InputType = domain.IdentifierType(typ)
		out = append(out, rec)
	}
	return out, rows.Err()
}
