package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"statusmon/internal/value"
	logx "statusmon/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save replaces every stored row inside one transaction.
func (s *sqliteStore) Save(ctx context.Context, tree value.Value) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rows := leavesOf(tree)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO nodes(path, kind, ival, fval, sval) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		var ival, fval, sval any
		switch r.v.Kind() {
		case value.KindBool:
			b, _ := r.v.AsBool()
			if b {
				ival = 1
			} else {
				ival = 0
			}
		case value.KindInt:
			ival, _ = r.v.AsInt()
		case value.KindFloat:
			f, _ := r.v.AsFloat()
			if math.IsNaN(f) || math.IsInf(f, 0) {
				// sqlite turns NaN into NULL
				sval = strconv.FormatFloat(f, 'g', -1, 64)
			} else {
				fval = f
			}
		case value.KindString:
			sval, _ = r.v.AsString()
		}
		if _, err := stmt.ExecContext(ctx, r.path, r.v.Kind().String(), ival, fval, sval); err != nil {
			return fmt.Errorf("save %s: %w", r.path, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, saved_at, leaves) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET saved_at=excluded.saved_at, leaves=excluded.leaves`,
		time.Now().UTC().Format(time.RFC3339Nano), len(rows),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("snapshot written", logx.Int("leaves", len(rows)))
	return nil
}

func (s *sqliteStore) Load(ctx context.Context) (value.Value, error) {
	if s == nil || s.db == nil {
		return value.Value{}, ErrDisabled
	}
	var leaves int
	err := s.db.QueryRowContext(ctx, `SELECT leaves FROM snapshots WHERE id = 1`).Scan(&leaves)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Value{}, ErrEmpty
	}
	if err != nil {
		return value.Value{}, err
	}

	q, err := s.db.QueryContext(ctx, `SELECT path, kind, ival, fval, sval FROM nodes ORDER BY path`)
	if err != nil {
		return value.Value{}, err
	}
	defer q.Close()

	out := make([]leaf, 0, leaves)
	for q.Next() {
		var (
			path, kind string
			ival       sql.NullInt64
			fval       sql.NullFloat64
			sval       sql.NullString
		)
		if err := q.Scan(&path, &kind, &ival, &fval, &sval); err != nil {
			return value.Value{}, err
		}
		var v value.Value
		switch kind {
		case value.KindNull.String():
			v = value.Null()
		case value.KindBool.String():
			v = value.Bool(ival.Int64 != 0)
		case value.KindInt.String():
			v = value.Int(ival.Int64)
		case value.KindFloat.String():
			if !sval.Valid {
				v = value.Float(fval.Float64)
				break
			}
			f, err := strconv.ParseFloat(sval.String, 64)
			if err != nil {
				return value.Value{}, fmt.Errorf("load %s: %w", path, err)
			}
			v = value.Float(f)
		case value.KindString.String():
			v = value.String(sval.String)
		case value.KindMap.String():
			v = value.EmptyMap()
		default:
			return value.Value{}, fmt.Errorf("load %s: unknown kind %q", path, kind)
		}
		out = append(out, leaf{path: path, v: v})
	}
	if err := q.Err(); err != nil {
		return value.Value{}, err
	}
	return treeOf(out)
}
