// Package pgprofile reads subscription tiers from a PostgreSQL profiles table.
package pgprofile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/3leaps/annoflow/pkg/profile"
)

// DefaultTable is the profiles table used when Config.Table is empty.
const DefaultTable = "profiles"

// Role values stored in the role column.
const (
	RoleFree    = "free_user"
	RolePremium = "premium_user"
)

// ErrMissingSchema indicates the profiles table or one of its columns does not exist.
var ErrMissingSchema = errors.New("profiles schema missing")

// Querier is the subset of *pgxpool.Pool used by Store.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Config configures a PostgreSQL-backed lookup.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

// Store implements profile.Lookup and profile.Updater.
type Store struct {
	db    Querier
	pool  *pgxpool.Pool
	table string
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("pgprofile: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgprofile: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgprofile: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgprofile: ping: %w", err)
	}
	s := New(pool, cfg.Table)
	s.pool = pool
	return s, nil
}

// New wraps an existing connection or pool.
func New(db Querier, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// Tier implements profile.Lookup.
func (s *Store) Tier(ctx context.Context, userID string) (profile.Tier, error) {
	var role string
	q := "SELECT role FROM " + s.table + " WHERE identity_id = $1"
	if err := s.db.QueryRow(ctx, q, userID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", profile.ErrUnknownUser, userID)
		}
		return "", wrapError("tier", err)
	}
	return profile.ParseTier(role)
}

// SetTier implements profile.Updater.
func (s *Store) SetTier(ctx context.Context, userID string, tier profile.Tier) error {
	role, err := roleFor(tier)
	if err != nil {
		return err
	}
	q := "UPDATE " + s.table + " SET role = $1 WHERE identity_id = $2"
	tag, err := s.db.Exec(ctx, q, role, userID)
	if err != nil {
		return wrapError("set tier", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", profile.ErrUnknownUser, userID)
	}
	return nil
}

// Close releases the pool when Store owns it.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func roleFor(tier profile.Tier) (string, error) {
	switch tier {
	case profile.TierFree:
		return RoleFree, nil
	case profile.TierPaid:
		return RolePremium, nil
	default:
		return "", fmt.Errorf("%w: %q", profile.ErrUnknownTier, tier)
	}
}

func wrapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn:
			return fmt.Errorf("pgprofile %s: %w: %s", op, ErrMissingSchema, pgErr.Message)
		}
	}
	return fmt.Errorf("pgprofile %s: %w", op, err)
}
