package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"statusmon/internal/value"
	logx "statusmon/pkg/logx"
)

var (
	badgerNodePrefix = []byte("node/")
	badgerMetaKey    = []byte("meta/saved_at")
)

// badgerStore keeps one key per leaf: node/<dotted path> -> JSON scalar.
type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Backend, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("storage.path is required for badger driver")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(&badgerLogger{log: log}).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) Save(ctx context.Context, tree value.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := leavesOf(tree)
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Seek(badgerNodePrefix); it.ValidForPrefix(badgerNodePrefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}

		for _, r := range rows {
			b, err := r.v.MarshalJSON()
			if err != nil {
				return fmt.Errorf("save %s: %w", r.path, err)
			}
			key := append(append([]byte{}, badgerNodePrefix...), r.path...)
			if err := txn.Set(key, b); err != nil {
				return err
			}
		}
		return txn.Set(badgerMetaKey, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
	if err != nil {
		return err
	}
	s.log.Debug("snapshot written", logx.Int("leaves", len(rows)))
	return nil
}

func (s *badgerStore) Load(ctx context.Context) (value.Value, error) {
	if err := ctx.Err(); err != nil {
		return value.Value{}, err
	}
	var rows []leaf
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerMetaKey); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrEmpty
			}
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerNodePrefix); it.ValidForPrefix(badgerNodePrefix); it.Next() {
			item := it.Item()
			path := string(bytes.TrimPrefix(item.Key(), badgerNodePrefix))
			err := item.Value(func(val []byte) error {
				v, err := value.Decode(val)
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}
				rows = append(rows, leaf{path: path, v: v})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return value.Value{}, err
	}
	return treeOf(rows)
}

func (s *badgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into logx.
type badgerLogger struct {
	log logx.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
