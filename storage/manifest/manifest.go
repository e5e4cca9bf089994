// Copyright (C) 2024 GnitzDB Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package manifest implements the versioned index of live shards for one
// table: which shard files currently belong to the table, in what merge
// order, and under what LSN watermark. A Manifest is published by writing
// a new generation to a temp file, fsyncing it, renaming it over the
// current path, and fsyncing the parent directory -- so a reader never
// observes a half-written manifest, and a crash between rename and parent
// fsync is recovered by the filesystem's own journal, not by GnitzDB.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/blake2b"

	"github.com/gnitzdb/gnitz/internal/gnitzerr"
)

// ShardEntry describes one live shard belonging to the table.
type ShardEntry struct {
	Path    string `json:"path"`
	Level   int    `json:"level"`
	MinLSN  uint64 `json:"min_lsn"`
	MaxLSN  uint64 `json:"max_lsn"`
	NumRows int64  `json:"num_rows"`
}

// Manifest is one generation of a table's shard index.
type Manifest struct {
	Generation uint64       `json:"generation"`
	TableID    uint64       `json:"table_id"`
	Shards     []ShardEntry `json:"shards"`
	// FlushedLSN is the highest WAL LSN folded into Shards as of this
	// generation. table.Open replays only WAL blocks with a higher LSN
	// than this into the fresh MemTable, so a flushed write is never
	// double-counted on reopen.
	FlushedLSN uint64 `json:"flushed_lsn"`
	Signature  []byte `json:"signature"`
}

var macKey = [16]byte{'g', 'n', 'i', 't', 'z', 'd', 'b', '-', 'm', 'a', 'n', 'i', 'f', 'e', 's', 't'}

func sign(m *Manifest) ([]byte, error) {
	cp := *m
	cp.Signature = nil
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New256(macKey[:])
	if err != nil {
		return nil, err
	}
	h.Write(body)
	return h.Sum(nil), nil
}

// Store tracks the on-disk current manifest for one table, and caches the
// last generation it loaded so ensuing callers can cheaply detect whether
// the file changed underneath them (HasChanged) before paying the cost of
// reloading it.
type Store struct {
	path    string
	loaded  *Manifest
	mtime   int64
	inode   uint64
	hasInfo bool
}

// New returns a Store bound to the current-manifest path for a table.
func New(path string) *Store {
	return &Store{path: path}
}

// Publish atomically writes m (after signing it) as the new current
// manifest: write temp file, fsync, rename, fsync parent directory.
func (s *Store) Publish(m *Manifest) error {
	sig, err := sign(m)
	if err != nil {
		return fmt.Errorf("manifest.Publish: sign: %w", err)
	}
	m.Signature = sig

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest.Publish: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("manifest.Publish: create %s: %w", tmp, err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("manifest.Publish: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("manifest.Publish: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest.Publish: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("manifest.Publish: rename: %w", err)
	}
	dir, err := os.Open(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("manifest.Publish: open dir: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("manifest.Publish: fsync dir: %w", err)
	}
	s.loaded = m
	return nil
}

// HasChanged reports whether the on-disk manifest's mtime/inode differ
// from the last Load/Reload, without reading or parsing the file body.
func (s *Store) HasChanged() (bool, error) {
	st, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return s.hasInfo, nil
	}
	if err != nil {
		return false, fmt.Errorf("manifest.HasChanged: stat: %w", err)
	}
	var ino uint64
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		ino = sys.Ino
	}
	return !s.hasInfo || st.ModTime().UnixNano() != s.mtime || ino != s.inode, nil
}

// Load reads and signature-verifies the current manifest from disk.
func (s *Store) Load() (*Manifest, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("manifest.Load: stat: %w", err)
	}
	body, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("manifest.Load: read: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("manifest.Load: unmarshal: %w", err)
	}
	wantSig := append([]byte{}, m.Signature...)
	gotSig, err := sign(&m)
	if err != nil {
		return nil, fmt.Errorf("manifest.Load: sign: %w", err)
	}
	if string(gotSig) != string(wantSig) {
		return nil, &gnitzerr.CorruptManifest{Path: s.path, Err: fmt.Errorf("signature mismatch")}
	}
	s.loaded = &m
	s.mtime = st.ModTime().UnixNano()
	s.hasInfo = true
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		s.inode = sys.Ino
	}
	return &m, nil
}

// Reload re-loads the manifest only if HasChanged reports a change,
// otherwise it returns the cached value from the last successful Load.
func (s *Store) Reload() (*Manifest, error) {
	changed, err := s.HasChanged()
	if err != nil {
		return nil, err
	}
	if !changed && s.loaded != nil {
		return s.loaded, nil
	}
	return s.Load()
}

// Current returns the last manifest this Store successfully loaded or
// published, without touching disk.
func (s *Store) Current() *Manifest { return s.loaded }
