package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"statusmon/internal/value"
	logx "statusmon/pkg/logx"
)

func sampleTree() value.Value {
	sensors := value.Wrap(map[string]value.Value{
		"nan": value.Float(math.NaN()),
		"hi":  value.Float(math.Inf(1)),
		"lo":  value.Float(math.Inf(-1)),
	})
	tree := value.Must(map[string]any{
		"plc": map[string]any{
			"temp":    21.5,
			"count":   42,
			"ok":      true,
			"label":   "dome",
			"missing": nil,
			"whole":   3.0,
		},
		"empty": map[string]any{},
		"top":   "x",
	}).Fields()
	tree["sensors"] = sensors
	return value.Wrap(tree)
}

func TestBackendsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "file", cfg: Config{Driver: "file", Path: filepath.Join(dir, "state.json")}},
		{name: "sqlite", cfg: Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db")}},
		{name: "badger", cfg: Config{Driver: "badger", InMemory: true}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			be, err := Open(tt.cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s) error: %v", tt.name, err)
			}
			defer be.Close()

			if _, err := be.Load(ctx); !errors.Is(err, ErrEmpty) {
				t.Fatalf("Load before Save err = %v, want ErrEmpty", err)
			}
			want := sampleTree()
			if err := be.Save(ctx, want); err != nil {
				t.Fatalf("Save error: %v", err)
			}
			got, err := be.Load(ctx)
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if !got.Equal(want) {
				t.Fatalf("Load = %v, want %v", got, want)
			}

			// A second save replaces the first one completely.
			next := value.Must(map[string]any{"only": 1})
			if err := be.Save(ctx, next); err != nil {
				t.Fatalf("second Save error: %v", err)
			}
			got, err = be.Load(ctx)
			if err != nil {
				t.Fatalf("second Load error: %v", err)
			}
			if !got.Equal(next) {
				t.Fatalf("second Load = %v, want %v", got, next)
			}
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	be, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || be != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", be, err)
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for file driver without path")
	}
}

func TestLeavesKeepEmptyBranches(t *testing.T) {
	t.Parallel()
	tree := value.Must(map[string]any{"a": map[string]any{"b": map[string]any{}}, "c": 1})
	rows := leavesOf(tree)
	if len(rows) != 2 {
		t.Fatalf("leavesOf = %d rows, want 2", len(rows))
	}
	back, err := treeOf(rows)
	if err != nil {
		t.Fatalf("treeOf error: %v", err)
	}
	if !back.Equal(tree) {
		t.Fatalf("treeOf = %v, want %v", back, tree)
	}
}
