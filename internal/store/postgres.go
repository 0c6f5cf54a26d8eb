package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prophecy-engine/internal/acl"
	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
	"github.com/atmx/prophecy-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Clear uint64 amounts are stored as NUMERIC(20,0) since BIGINT is signed;
// ciphertext handles and addresses are stored as BYTEA.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool against dsn and pings it.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations in lexicographic order, recording
// each in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (filename) VALUES ($1) ON CONFLICT DO NOTHING`, name)
			if err != nil || tag.RowsAffected() == 0 {
				return err
			}
			_, err = tx.Exec(ctx, string(data))
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Reader ---

func (s *PostgresStore) GetPricePoint(ctx context.Context, day uint64) (model.PricePoint, error) {
	return getPricePoint(ctx, s.pool, day)
}

func (s *PostgresStore) LastRecordedDay(ctx context.Context) (uint64, error) {
	return lastRecordedDay(ctx, s.pool)
}

func (s *PostgresStore) GetPrediction(ctx context.Context, key model.PredictionKey) (model.Prediction, error) {
	return getPrediction(ctx, s.pool, key, false)
}

func (s *PostgresStore) GetPoints(ctx context.Context, user common.Address) (fhe.Uint64, error) {
	return getPoints(ctx, s.pool, user)
}

func (s *PostgresStore) GetPredictionDays(ctx context.Context, user common.Address, a asset.Asset) ([]uint64, error) {
	return getPredictionDays(ctx, s.pool, user, a)
}

func (s *PostgresStore) IsAllowed(ctx context.Context, h fhe.Handle, account common.Address) (bool, error) {
	return isAllowed(ctx, s.pool, h, account)
}

func (s *PostgresStore) OutstandingStakes(ctx context.Context) (map[common.Address]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_address, SUM(stake)::TEXT FROM predictions
		 WHERE NOT resolved GROUP BY user_address`)
	if err != nil {
		return nil, fmt.Errorf("query outstanding stakes: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]uint64)
	for rows.Next() {
		var addr []byte
		var sum string
		if err := rows.Scan(&addr, &sum); err != nil {
			return nil, fmt.Errorf("scan outstanding stake: %w", err)
		}
		v, err := parseNumeric(sum)
		if err != nil {
			return nil, err
		}
		out[common.BytesToAddress(addr)] = v
	}
	return out, rows.Err()
}

// Update runs fn inside a single database transaction.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// pgTx adapts a pgx transaction to Tx.
type pgTx struct {
	q querier
}

func (t *pgTx) GetPricePoint(ctx context.Context, day uint64) (model.PricePoint, error) {
	return getPricePoint(ctx, t.q, day)
}

func (t *pgTx) LastRecordedDay(ctx context.Context) (uint64, error) {
	return lastRecordedDay(ctx, t.q)
}

// GetPrediction locks the row for the rest of the transaction.
func (t *pgTx) GetPrediction(ctx context.Context, key model.PredictionKey) (model.Prediction, error) {
	return getPrediction(ctx, t.q, key, true)
}

func (t *pgTx) GetPoints(ctx context.Context, user common.Address) (fhe.Uint64, error) {
	return getPoints(ctx, t.q, user)
}

func (t *pgTx) GetPredictionDays(ctx context.Context, user common.Address, a asset.Asset) ([]uint64, error) {
	return getPredictionDays(ctx, t.q, user, a)
}

func (t *pgTx) IsAllowed(ctx context.Context, h fhe.Handle, account common.Address) (bool, error) {
	return isAllowed(ctx, t.q, h, account)
}

func (t *pgTx) InsertPricePoint(ctx context.Context, day uint64, p model.PricePoint) error {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO price_points (day, eth_price, btc_price, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (day) DO NOTHING`,
		int64(day), numeric(p.EthPrice), numeric(p.BtcPrice), int64(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert price point %d: %w", day, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: price for day %d already posted", ErrConflict, day)
	}
	return nil
}

func (t *pgTx) InsertPrediction(ctx context.Context, key model.PredictionKey, p model.Prediction, grants acl.List) error {
	if err := checkGrants(grants, key.User, p.EncPrice.Handle, p.EncDirection.Handle, p.EncOutcome.Handle); err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx,
		`INSERT INTO predictions (user_address, asset, day, enc_price, enc_direction, stake)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC)
		 ON CONFLICT (user_address, asset, day) DO NOTHING`,
		key.User.Bytes(), int16(key.Asset), int64(key.Day),
		p.EncPrice.Bytes(), p.EncDirection.Bytes(), numeric(p.Stake))
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prediction %s/%s/%d exists", ErrConflict, key.User.Hex(), key.Asset, key.Day)
	}
	return t.insertGrants(ctx, grants)
}

func (t *pgTx) ResolvePrediction(ctx context.Context, key model.PredictionKey, outcome fhe.Bool, grants acl.List) error {
	if err := checkGrants(grants, key.User, outcome.Handle); err != nil {
		return err
	}
	p, err := getPrediction(ctx, t.q, key, true)
	if err != nil {
		return err
	}
	if !p.Exists {
		return fmt.Errorf("%w: prediction %s/%s/%d", ErrNotFound, key.User.Hex(), key.Asset, key.Day)
	}
	if p.Resolved {
		return fmt.Errorf("%w: prediction %s/%s/%d already resolved", ErrConflict, key.User.Hex(), key.Asset, key.Day)
	}
	if _, err := t.q.Exec(ctx,
		`UPDATE predictions SET resolved = TRUE, enc_outcome = $4
		 WHERE user_address = $1 AND asset = $2 AND day = $3`,
		key.User.Bytes(), int16(key.Asset), int64(key.Day), outcome.Bytes()); err != nil {
		return fmt.Errorf("resolve prediction: %w", err)
	}
	return t.insertGrants(ctx, grants)
}

func (t *pgTx) SetPoints(ctx context.Context, user common.Address, total fhe.Uint64, grants acl.List) error {
	if err := checkGrants(grants, user, total.Handle); err != nil {
		return err
	}
	if _, err := t.q.Exec(ctx,
		`INSERT INTO points (user_address, total) VALUES ($1, $2)
		 ON CONFLICT (user_address) DO UPDATE SET total = EXCLUDED.total`,
		user.Bytes(), total.Bytes()); err != nil {
		return fmt.Errorf("set points: %w", err)
	}
	return t.insertGrants(ctx, grants)
}

func (t *pgTx) insertGrants(ctx context.Context, grants acl.List) error {
	if len(grants) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, g := range grants {
		batch.Queue(`INSERT INTO acl_grants (handle, account) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			g.Handle.Bytes(), g.Account.Bytes())
	}
	if err := t.q.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert grants: %w", err)
	}
	return nil
}

// --- Shared queries ---

func getPricePoint(ctx context.Context, q querier, day uint64) (model.PricePoint, error) {
	var eth, btc string
	var updatedAt int64
	err := q.QueryRow(ctx,
		`SELECT eth_price::TEXT, btc_price::TEXT, updated_at
		 FROM price_points WHERE day = $1`, int64(day)).
		Scan(&eth, &btc, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PricePoint{}, nil
	}
	if err != nil {
		return model.PricePoint{}, fmt.Errorf("get price point %d: %w", day, err)
	}

	var p model.PricePoint
	if p.EthPrice, err = parseNumeric(eth); err != nil {
		return model.PricePoint{}, err
	}
	if p.BtcPrice, err = parseNumeric(btc); err != nil {
		return model.PricePoint{}, err
	}
	p.UpdatedAt = uint64(updatedAt)
	return p, nil
}

func lastRecordedDay(ctx context.Context, q querier) (uint64, error) {
	var day int64
	if err := q.QueryRow(ctx, `SELECT COALESCE(MAX(day), 0) FROM price_points`).Scan(&day); err != nil {
		return 0, fmt.Errorf("last recorded day: %w", err)
	}
	return uint64(day), nil
}

func getPrediction(ctx context.Context, q querier, key model.PredictionKey, lock bool) (model.Prediction, error) {
	sql := `SELECT enc_price, enc_direction, enc_outcome, stake::TEXT, resolved
	        FROM predictions WHERE user_address = $1 AND asset = $2 AND day = $3`
	if lock {
		sql += ` FOR UPDATE`
	}

	var price, dir, outcome []byte
	var stake string
	var p model.Prediction
	err := q.QueryRow(ctx, sql, key.User.Bytes(), int16(key.Asset), int64(key.Day)).
		Scan(&price, &dir, &outcome, &stake, &p.Resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Prediction{}, nil
	}
	if err != nil {
		return model.Prediction{}, fmt.Errorf("get prediction %s/%s/%d: %w", key.User.Hex(), key.Asset, key.Day, err)
	}

	if p.EncPrice.Handle, err = fhe.HandleFromBytes(price); err != nil {
		return model.Prediction{}, err
	}
	if p.EncDirection.Handle, err = fhe.HandleFromBytes(dir); err != nil {
		return model.Prediction{}, err
	}
	if outcome != nil {
		if p.EncOutcome.Handle, err = fhe.HandleFromBytes(outcome); err != nil {
			return model.Prediction{}, err
		}
	}
	if p.Stake, err = parseNumeric(stake); err != nil {
		return model.Prediction{}, err
	}
	p.Day = key.Day
	p.Exists = true
	return p, nil
}

func getPoints(ctx context.Context, q querier, user common.Address) (fhe.Uint64, error) {
	var raw []byte
	err := q.QueryRow(ctx, `SELECT total FROM points WHERE user_address = $1`, user.Bytes()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fhe.Uint64{}, nil
	}
	if err != nil {
		return fhe.Uint64{}, fmt.Errorf("get points %s: %w", user.Hex(), err)
	}
	h, err := fhe.HandleFromBytes(raw)
	return fhe.Uint64{Handle: h}, err
}

func getPredictionDays(ctx context.Context, q querier, user common.Address, a asset.Asset) ([]uint64, error) {
	rows, err := q.Query(ctx,
		`SELECT day FROM predictions WHERE user_address = $1 AND asset = $2 ORDER BY seq`,
		user.Bytes(), int16(a))
	if err != nil {
		return nil, fmt.Errorf("get prediction days %s/%s: %w", user.Hex(), a, err)
	}
	defer rows.Close()

	days := []uint64{}
	for rows.Next() {
		var day int64
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, uint64(day))
	}
	return days, rows.Err()
}

func isAllowed(ctx context.Context, q querier, h fhe.Handle, account common.Address) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM acl_grants WHERE handle = $1 AND account = $2)`,
		h.Bytes(), account.Bytes()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check grant %s: %w", h.Hex(), err)
	}
	return ok, nil
}

func numeric(v uint64) string {
	return decimal.NewFromUint64(v).String()
}

func parseNumeric(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	b := d.BigInt()
	if b.Sign() < 0 || !b.IsUint64() {
		return 0, fmt.Errorf("numeric %q out of uint64 range", s)
	}
	return b.Uint64(), nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
