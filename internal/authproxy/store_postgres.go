package authproxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// PostgresStore is the production Store, mirroring the teacher's
// sqlx+lib/pq persistence stack.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgresStore connects to dsn and applies pending migrations from
// migrationsPath.
func OpenPostgresStore(dsn, migrationsPath string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to connect to postgres", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to construct migration driver", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to construct migrator", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to apply migrations", err)
	}

	return &PostgresStore{db: db}, nil
}

type apiKeyRow struct {
	KeyID          string         `db:"key_id"`
	SecretHash     string         `db:"secret_hash"`
	ServiceID      int64          `db:"service_id"`
	Owner          string         `db:"owner"`
	DefaultHeaders sql.NullString `db:"default_headers"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (s *PostgresStore) InsertApiKey(ctx context.Context, key ApiKey) error {
	headers, err := json.Marshal(key.DefaultHeaders)
	if err != nil {
		return apperrors.Other("failed to marshal default headers", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, secret_hash, service_id, owner, default_headers, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.KeyID, key.SecretHash, int64(key.ServiceID), key.Owner, string(headers), key.CreatedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindOther, "failed to insert api key", err)
	}
	return nil
}

func (s *PostgresStore) GetApiKey(ctx context.Context, keyID string) (ApiKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT key_id, secret_hash, service_id, owner, default_headers, created_at FROM api_keys WHERE key_id = $1`, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return ApiKey{}, apperrors.NotFound("api key not found")
	}
	if err != nil {
		return ApiKey{}, apperrors.Wrap(apperrors.KindOther, "failed to query api key", err)
	}

	headers := map[string]string{}
	if row.DefaultHeaders.Valid {
		_ = json.Unmarshal([]byte(row.DefaultHeaders.String), &headers)
	}
	return ApiKey{
		KeyID:          row.KeyID,
		SecretHash:     row.SecretHash,
		ServiceID:      uint64(row.ServiceID),
		Owner:          row.Owner,
		DefaultHeaders: headers,
		CreatedAt:      row.CreatedAt,
	}, nil
}

// DeleteServiceModel performs a hard delete so a subsequent Get always
// 404s; ON DELETE CASCADE removes dependent api_keys rows.
func (s *PostgresStore) DeleteServiceModel(ctx context.Context, serviceID uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_models WHERE service_id = $1`, int64(serviceID))
	if err != nil {
		return apperrors.Wrap(apperrors.KindOther, "failed to delete service model", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.KindOther, "failed to read rows affected", err)
	}
	if n == 0 {
		return apperrors.NotFound("service model not found")
	}
	return nil
}

type serviceModelRow struct {
	ServiceID   int64          `db:"service_id"`
	Owner       string         `db:"owner"`
	OAuthPolicy sql.NullString `db:"oauth_policy"`
	MaxTokenTTL int64          `db:"max_token_ttl_secs"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (s *PostgresStore) GetServiceModel(ctx context.Context, serviceID uint64) (ServiceModel, error) {
	var row serviceModelRow
	err := s.db.GetContext(ctx, &row, `SELECT service_id, owner, oauth_policy, max_token_ttl_secs, created_at FROM service_models WHERE service_id = $1`, int64(serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return ServiceModel{}, apperrors.NotFound("service model not found")
	}
	if err != nil {
		return ServiceModel{}, apperrors.Wrap(apperrors.KindOther, "failed to query service model", err)
	}

	var policy *OAuthPolicy
	if row.OAuthPolicy.Valid {
		policy = &OAuthPolicy{}
		_ = json.Unmarshal([]byte(row.OAuthPolicy.String), policy)
	}
	return ServiceModel{
		ServiceID:   uint64(row.ServiceID),
		Owner:       row.Owner,
		OAuth:       policy,
		MaxTokenTTL: time.Duration(row.MaxTokenTTL) * time.Second,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func (s *PostgresStore) UpsertServiceModel(ctx context.Context, model ServiceModel) error {
	var policyJSON []byte
	if model.OAuth != nil {
		var err error
		policyJSON, err = json.Marshal(model.OAuth)
		if err != nil {
			return apperrors.Other("failed to marshal oauth policy", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_models (service_id, owner, oauth_policy, max_token_ttl_secs, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			oauth_policy = EXCLUDED.oauth_policy,
			max_token_ttl_secs = EXCLUDED.max_token_ttl_secs`,
		int64(model.ServiceID), model.Owner, string(policyJSON), int64(model.MaxTokenTTL.Seconds()), model.CreatedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindOther, "failed to upsert service model", err)
	}
	return nil
}
