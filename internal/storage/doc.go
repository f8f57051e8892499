// Package storage persists status tree snapshots.
//
// Drivers:
//   - file:   one JSON document, replaced atomically on every save
//   - sqlite: one row per leaf (modernc.org/sqlite, no cgo)
//   - badger: one key per leaf in an embedded badger database
//
// Backends store whole snapshots; they never see individual mutations.
package storage
