// Copyright 2026 The Exposure Core Authors
// SPDX-License-Identifier: Apache-2.0

// Package advstore implements the persistent advertisement store from
// spec.md §4.3: a row-oriented SQLite table keyed by (rpi, timestamp)
// with a secondary index on timestamp, fronted by a Bloom pre-filter
// builder and a streaming RPI-buffer join.
//
// The store is built on lib/sqlitepool, adapting the teacher's
// partitioned telemetry store (cmd/bureau-telemetry-service/store.go)
// down to a single flat table — the advertisement store has no
// partitioning need since its entire working set is 14 days of BLE
// scan rows, not telemetry volume at service-fleet scale. The join
// itself is expressed as the "index probe per valid position" strategy
// spec.md §9 explicitly licenses: one indexed point query per distinct
// valid RPI in the caller's buffer, all inside a single exclusive
// transaction.
package advstore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lucernahealth/exposure-core/internal/enerrors"
	"github.com/lucernahealth/exposure-core/internal/enmodel"
	"github.com/lucernahealth/exposure-core/internal/prefilter"
	"github.com/lucernahealth/exposure-core/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS advertisements (
	rpi           BLOB    NOT NULL,
	encrypted_aem BLOB    NOT NULL,
	timestamp     INTEGER NOT NULL,
	scan_interval INTEGER NOT NULL,
	rssi          INTEGER NOT NULL,
	saturated     INTEGER NOT NULL,
	counter       INTEGER NOT NULL,
	PRIMARY KEY (rpi, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_advertisements_timestamp ON advertisements(timestamp);
`

// Config holds the parameters for opening an advertisement store.
type Config struct {
	// Path is the filesystem path to en_advertisements.db.
	Path string
	// PoolSize is the connection pool size. Zero or negative uses
	// lib/sqlitepool's default, max(runtime.NumCPU(), 4).
	PoolSize int
	// Logger receives operational messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger
}

// Store is the persistent advertisement store. Safe for concurrent
// use; see the package doc and spec.md §5 for the transaction
// discipline every read operation follows.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	// count caches stored_count(). -1 means "unknown, must refresh".
	count atomic.Int64
}

// Open creates or opens the advertisement store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, enerrors.Wrap("advstore.Open", classifyOpenError(err), err)
	}

	store := &Store{pool: pool, logger: logger}
	store.count.Store(-1)
	return store, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) invalidateCount() {
	s.count.Store(-1)
}

// StoredCount returns the number of rows in the advertisement table.
// The result is cached and invalidated on any mutation (Insert,
// Purge) and whenever a query exceeds the cached upper bound.
func (s *Store) StoredCount(ctx context.Context) (uint64, error) {
	if cached := s.count.Load(); cached >= 0 {
		return uint64(cached), nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, enerrors.Wrap("advstore.StoredCount", enerrors.StoreBusy, err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM advertisements", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, enerrors.Wrap("advstore.StoredCount", classifyError(err), err)
	}

	s.count.Store(count)
	return uint64(count), nil
}

// Insert adds or replaces one advertisement row. Writes to the store
// are an external collaborator's responsibility per spec.md §1 (BLE
// scan ingestion); this method exists so that collaborator, and this
// package's own tests, have somewhere to write.
func (s *Store) Insert(ctx context.Context, ad enmodel.Advertisement) error {
	if err := ad.Validate(); err != nil {
		return enerrors.Wrap("advstore.Insert", enerrors.InvalidArgument, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return enerrors.Wrap("advstore.Insert", enerrors.StoreBusy, err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return enerrors.Wrap("advstore.Insert", classifyError(err), err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO advertisements (rpi, encrypted_aem, timestamp, scan_interval, rssi, saturated, counter)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rpi, timestamp) DO UPDATE SET
			encrypted_aem = excluded.encrypted_aem,
			scan_interval = excluded.scan_interval,
			rssi          = excluded.rssi,
			saturated     = excluded.saturated,
			counter       = excluded.counter
	`, &sqlitex.ExecOptions{
		Args: []any{
			ad.RPI[:], ad.EncryptedAEM[:], ad.Timestamp, int64(ad.ScanInterval),
			int64(ad.RSSI), boolToInt(ad.Saturated), int64(ad.Counter),
		},
	})
	if err != nil {
		return enerrors.Wrap("advstore.Insert", classifyError(err), err)
	}

	s.invalidateCount()
	return nil
}

// Purge deletes every row with timestamp strictly before cutoff. The
// daily 14-day retention sweep is an external collaborator (spec.md
// §3 Lifecycle); this method is its mechanism.
func (s *Store) Purge(ctx context.Context, cutoff int64) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, enerrors.Wrap("advstore.Purge", enerrors.StoreBusy, err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, enerrors.Wrap("advstore.Purge", classifyError(err), err)
	}
	defer endTx(&err)

	if err := sqlitex.Execute(conn, "DELETE FROM advertisements WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
		return 0, enerrors.Wrap("advstore.Purge", classifyError(err), err)
	}

	deleted := conn.Changes()
	s.invalidateCount()
	s.logger.Info("advertisement store purge", "cutoff", cutoff, "deleted", deleted)
	return int64(deleted), nil
}

// BuildPrefilter enumerates every stored RPI under an exclusive read
// transaction and inserts it into a fresh Bloom filter.
func (s *Store) BuildPrefilter(ctx context.Context, bufferSize int, k int) (*prefilter.Filter, error) {
	filter, err := prefilter.New(bufferSize, k)
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, enerrors.Wrap("advstore.BuildPrefilter", enerrors.StoreBusy, err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ExclusiveTransaction(conn)
	if err != nil {
		return nil, enerrors.Wrap("advstore.BuildPrefilter", classifyError(err), err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, "SELECT DISTINCT rpi FROM advertisements", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var rpi enmodel.RPI
			if stmt.ColumnLen(0) != len(rpi) {
				return enerrors.New("advstore.BuildPrefilter", enerrors.StoreCorrupt,
					"rpi column length %d, want %d", stmt.ColumnLen(0), len(rpi))
			}
			stmt.ColumnBytes(0, rpi[:])
			filter.Insert(rpi)
			return nil
		},
	})
	if err != nil {
		return nil, enerrors.Wrap("advstore.BuildPrefilter", classifyError(err), err)
	}

	return filter, nil
}

// Match finds every stored row whose RPI appears in rpiBuffer at a
// position i with validity[i] true, and annotates each match with
// dailyKeyIndex = i/144 and rpiIndex = i%144 derived from the smallest
// such i (buffer positions are considered in ascending order). The
// join runs inside a single exclusive read transaction.
//
// The result is bounded by StoredCount at entry: if more rows would
// match than that bound, the excess is dropped and the cached count is
// invalidated so the next call refreshes it.
func (s *Store) Match(ctx context.Context, rpiBuffer []byte, validity []bool) ([]enmodel.MatchedAdvertisement, error) {
	if len(rpiBuffer)%16 != 0 {
		return nil, enerrors.New("advstore.Match", enerrors.InvalidArgument,
			"rpiBuffer length %d is not a multiple of 16", len(rpiBuffer))
	}
	bufferLen := len(rpiBuffer) / 16
	if len(validity) != bufferLen {
		return nil, enerrors.New("advstore.Match", enerrors.InvalidArgument,
			"validity length %d does not match buffer length %d", len(validity), bufferLen)
	}

	bound, err := s.StoredCount(ctx)
	if err != nil {
		return nil, err
	}

	// firstIndex maps each distinct valid RPI to the smallest buffer
	// position it appeared at, scanned ascending.
	firstIndex := make(map[enmodel.RPI]int)
	order := make([]enmodel.RPI, 0, bufferLen)
	for i := 0; i < bufferLen; i++ {
		if !validity[i] {
			continue
		}
		var rpi enmodel.RPI
		copy(rpi[:], rpiBuffer[i*16:(i+1)*16])
		if _, exists := firstIndex[rpi]; !exists {
			firstIndex[rpi] = i
			order = append(order, rpi)
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, enerrors.Wrap("advstore.Match", enerrors.StoreBusy, err)
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ExclusiveTransaction(conn)
	if err != nil {
		return nil, enerrors.Wrap("advstore.Match", classifyError(err), err)
	}
	defer endTx(&err)

	var results []enmodel.MatchedAdvertisement
	truncated := false

	for _, rpi := range order {
		i := firstIndex[rpi]
		dailyKeyIndex := uint32(i / enmodel.MaxRollingPeriod)
		rpiIndex := uint8(i % enmodel.MaxRollingPeriod)

		queryErr := sqlitex.Execute(conn, `
			SELECT rpi, encrypted_aem, timestamp, scan_interval, rssi, saturated, counter
			FROM advertisements WHERE rpi = ?
		`, &sqlitex.ExecOptions{
			Args: []any{rpi[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if uint64(len(results)) >= bound {
					truncated = true
					return nil
				}

				var ad enmodel.MatchedAdvertisement
				copy(ad.RPI[:], rpi[:])
				if stmt.ColumnLen(1) != len(ad.EncryptedAEM) {
					return enerrors.New("advstore.Match", enerrors.StoreCorrupt,
						"encrypted_aem column length %d, want %d", stmt.ColumnLen(1), len(ad.EncryptedAEM))
				}
				stmt.ColumnBytes(1, ad.EncryptedAEM[:])
				ad.Timestamp = stmt.ColumnInt64(2)
				ad.ScanInterval = uint16(stmt.ColumnInt64(3))
				ad.RSSI = int8(stmt.ColumnInt64(4))
				ad.Saturated = stmt.ColumnInt64(5) != 0
				ad.Counter = uint8(stmt.ColumnInt64(6))
				ad.DailyKeyIndex = dailyKeyIndex
				ad.RPIIndex = rpiIndex

				results = append(results, ad)
				return nil
			},
		})
		if queryErr != nil {
			return nil, enerrors.Wrap("advstore.Match", classifyError(queryErr), queryErr)
		}
	}

	if truncated {
		s.invalidateCount()
	}

	return results, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// classifyError maps a SQLite error to the enerrors.Kind taxonomy from
// spec.md §7.
func classifyError(err error) enerrors.Kind {
	if err == nil {
		return 0
	}

	code := sqlite.ErrCode(err)
	switch {
	case code == sqlite.ResultBusy || code == sqlite.ResultLocked:
		return enerrors.StoreBusy
	case code == sqlite.ResultFull:
		return enerrors.StoreFull
	case code == sqlite.ResultCorrupt || code == sqlite.ResultNotADB:
		return enerrors.StoreCorrupt
	case code == sqlite.ResultIOErr || code == sqlite.ResultCantOpen:
		return enerrors.StoreReopen
	default:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return enerrors.StoreBusy
		}
		return enerrors.Internal
	}
}

func classifyOpenError(err error) enerrors.Kind {
	kind := classifyError(err)
	if kind == enerrors.Internal {
		return enerrors.StoreReopen
	}
	return kind
}
