package conditions

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"go-pixel-quality/internal/model"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLStore serves payloads from a relational conditions database holding
// an iovs table (tag, since, payload hash) and a payloads table (hash, data).
type SQLStore struct {
	db     *sql.DB
	driver string

	mu    sync.Mutex
	cache map[cacheKey]*model.ConditionsPayload
}

type cacheKey struct {
	tag   string
	since model.Run
}

// OpenSQLStore opens the database and creates the schema if needed.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported conditions driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, driver: driver, cache: make(map[cacheKey]*model.ConditionsPayload)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	payloadTable := `
	CREATE TABLE IF NOT EXISTS payloads (
		hash TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);
	`
	iovTable := `
	CREATE TABLE IF NOT EXISTS iovs (
		tag TEXT NOT NULL,
		since BIGINT NOT NULL,
		payload_hash TEXT NOT NULL,
		inserted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tag, since)
	);
	`
	if _, err := s.db.ExecContext(ctx, payloadTable); err != nil {
		return fmt.Errorf("create payloads table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, iovTable); err != nil {
		return fmt.Errorf("create iovs table: %w", err)
	}
	return nil
}

// Put stores a payload for tag starting at since, replacing any IOV with
// the same since.
func (s *SQLStore) Put(ctx context.Context, tag string, since model.Run, records []model.ModuleQualityRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	hash := payloadHash(records)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO payloads (hash, data) VALUES (?, ?) ON CONFLICT (hash) DO NOTHING`),
		hash, string(data)); err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO iovs (tag, since, payload_hash, inserted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tag, since) DO UPDATE SET payload_hash = excluded.payload_hash, inserted_at = excluded.inserted_at`),
		tag, int64(since), hash, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert iov: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = make(map[cacheKey]*model.ConditionsPayload)
	s.mu.Unlock()
	return nil
}

// FetchPayload implements ports.PayloadFetcher. Repeated fetches inside the
// same IOV return the same payload instance.
func (s *SQLStore) FetchPayload(ctx context.Context, tag string, run model.Run) (*model.ConditionsPayload, error) {
	var since int64
	var hash string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT since, payload_hash FROM iovs WHERE tag = ? AND since <= ? ORDER BY since DESC LIMIT 1`),
		tag, int64(run)).Scan(&since, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %s run %d: %w", tag, run, ErrPayloadNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query iov: %w", err)
	}

	key := cacheKey{tag: tag, since: model.Run(since)}
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var next sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT MIN(since) FROM iovs WHERE tag = ? AND since > ?`),
		tag, since).Scan(&next); err != nil {
		return nil, fmt.Errorf("query next iov: %w", err)
	}

	var data string
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM payloads WHERE hash = ?`), hash).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payload %s referenced by tag %s since %d is missing", hash, tag, since)
		}
		return nil, fmt.Errorf("query payload: %w", err)
	}

	var records []model.ModuleQualityRecord
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", hash, err)
	}

	p := &model.ConditionsPayload{
		Tag:        tag,
		Hash:       hash,
		ValidSince: model.Run(since),
		ValidUntil: model.OpenEnded,
		Records:    records,
	}
	if next.Valid {
		p.ValidUntil = model.Run(next.Int64)
	}

	s.mu.Lock()
	s.cache[key] = p
	s.mu.Unlock()
	return p, nil
}

// rebind rewrites '?' placeholders for drivers that use numbered ones.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func payloadHash(records []model.ModuleQualityRecord) string {
	data, _ := json.Marshal(records)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
