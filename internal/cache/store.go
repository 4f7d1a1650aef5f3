package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tradelab/internal/market"
)

// Meta 是记录的状态信息，持久化在 manifest 表。
type Meta struct {
	Status     Status
	Error      string
	LastUpdate time.Time
}

// Manifest 记录某个 symbol@interval 文件的统计信息。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	LastUpdate int64  `json:"last_update"`
	Path       string `json:"path"`
}

// Store 以 root/SYMBOL/interval.db 的形式为每个 key 保存一个 sqlite 文件。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[Key]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[Key]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(key Key) (*sql.DB, string, error) {
	if key.Symbol == "" || key.Interval == "" {
		return nil, "", fmt.Errorf("symbol/interval 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.dbPath(key)
	if db, ok := s.dbs[key]; ok {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, key); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(key Key) string {
	return filepath.Join(s.root, key.Symbol, key.Interval+".db")
}

// Keys 扫描 root 目录下已有的数据文件。
func (s *Store) Keys() ([]Key, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*.db"))
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(matches))
	for _, path := range matches {
		sym := filepath.Base(filepath.Dir(path))
		iv := strings.TrimSuffix(filepath.Base(path), ".db")
		key, err := NewKey(sym, iv)
		if err != nil || key.Symbol != sym {
			continue
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// SaveCandles 批量写入 K 线（重复 open_time 将被覆盖）。
func (s *Store) SaveCandles(ctx context.Context, key Key, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	db, _, err := s.db(key)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time,
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    trades=excluded.trades`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return s.refreshManifest(ctx, db)
}

// SaveMeta 更新记录状态。
func (s *Store) SaveMeta(ctx context.Context, key Key, meta Meta) error {
	db, _, err := s.db(key)
	if err != nil {
		return err
	}
	var last int64
	if !meta.LastUpdate.IsZero() {
		last = meta.LastUpdate.UnixMilli()
	}
	_, err = db.ExecContext(ctx, `UPDATE manifest SET status = ?, error = ?, last_update = ? WHERE id = 1`,
		string(meta.Status), meta.Error, last)
	return err
}

// Load 读取全部 K 线与状态。
func (s *Store) Load(ctx context.Context, key Key) ([]market.Candle, Meta, error) {
	db, _, err := s.db(key)
	if err != nil {
		return nil, Meta{}, err
	}
	var (
		status string
		errMsg sql.NullString
		last   sql.NullInt64
	)
	row := db.QueryRowContext(ctx, `SELECT status, error, last_update FROM manifest WHERE id = 1`)
	if err := row.Scan(&status, &errMsg, &last); err != nil {
		return nil, Meta{}, err
	}
	meta := Meta{Status: parseStatus(status), Error: errMsg.String}
	if last.Valid && last.Int64 > 0 {
		meta.LastUpdate = time.UnixMilli(last.Int64)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM candles ORDER BY open_time ASC`)
	if err != nil {
		return nil, Meta{}, err
	}
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, Meta{}, err
		}
		list = append(list, c)
	}
	return list, meta, rows.Err()
}

// PruneBefore 删除 close_time < cutoff 的行。
func (s *Store) PruneBefore(ctx context.Context, key Key, cutoff int64) (int64, error) {
	db, _, err := s.db(key)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM candles WHERE close_time < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, s.refreshManifest(ctx, db)
}

// Delete 关闭连接并删除数据文件。
func (s *Store) Delete(key Key) error {
	s.mu.Lock()
	if db, ok := s.dbs[key]; ok {
		_ = db.Close()
		delete(s.dbs, key)
	}
	s.mu.Unlock()
	path := s.dbPath(key)
	var firstErr error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) Manifest(ctx context.Context, key Key) (Manifest, error) {
	db, path, err := s.db(key)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT symbol, interval, COALESCE(min_time, 0), COALESCE(max_time, 0), rows, status,
		       COALESCE(error, ''), COALESCE(last_update, 0)
		FROM manifest WHERE id = 1`)
	var m Manifest
	if err := row.Scan(&m.Symbol, &m.Interval, &m.MinTime, &m.MaxTime, &m.Rows, &m.Status, &m.Error, &m.LastUpdate); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM candles),
		    max_time = (SELECT COALESCE(MAX(close_time), 0) FROM candles),
		    rows = (SELECT COUNT(1) FROM candles)
		WHERE id = 1`)
	return err
}

func ensureSchema(db *sql.DB, key Key) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time  INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			trades     INTEGER DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_candles_close ON candles(close_time);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			error TEXT,
			last_update INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, symbol, interval) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, interval=excluded.interval;`,
		key.Symbol, key.Interval)
	return err
}
