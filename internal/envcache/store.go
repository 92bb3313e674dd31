package envcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dontdude/goenact/internal/domain"
)

// On-disk layout:
//
//	{root}/
//	  locks/{identity}.lock
//	  {identity[0:2]}/
//	    {identity}/
//	      manifest.json   canonical manifest (audit only)
//	      runtime/        backend-owned runtime files
//	      ready.json      completion marker, written last
const (
	locksDir     = "locks"
	manifestFile = "manifest.json"
	readyFile    = "ready.json"
	runtimeDir   = "runtime"
)

// diskState is what the filesystem says about an identity.
type diskState int

const (
	diskAbsent diskState = iota
	diskReady
	// diskIncomplete is a directory without a ready marker: either another
	// process is provisioning it or a previous attempt died midway.
	diskIncomplete
)

type diskStore struct {
	root string
}

func (s diskStore) location(id domain.Identity) string {
	str := string(id)
	if len(str) < 2 {
		return filepath.Join(s.root, str)
	}
	return filepath.Join(s.root, str[:2], str)
}

func (s diskStore) lockPath(id domain.Identity) string {
	return filepath.Join(s.root, locksDir, string(id)+".lock")
}

// RuntimeDir returns the directory a provisioner should populate for env.
func RuntimeDir(env domain.EnvironmentRecord) string {
	return filepath.Join(env.Location, runtimeDir)
}

// load inspects the directory for id. A ready record is returned only when
// the marker exists and decodes.
func (s diskStore) load(id domain.Identity) (*domain.EnvironmentRecord, diskState, error) {
	loc := s.location(id)
	if _, err := os.Stat(loc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, diskAbsent, nil
		}
		return nil, diskAbsent, fmt.Errorf("checking environment dir: %w", err)
	}

	markerPath := filepath.Join(loc, readyFile)
	data, err := os.ReadFile(markerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, diskIncomplete, nil
		}
		return nil, diskAbsent, fmt.Errorf("reading ready marker: %w", err)
	}

	var rec domain.EnvironmentRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Identity != id {
		// A marker that does not describe this identity is no marker at all.
		return nil, diskIncomplete, nil
	}
	rec.Location = loc
	rec.State = domain.EnvReady
	if info, err := os.Stat(markerPath); err == nil {
		rec.LastUsed = info.ModTime()
	}
	return &rec, diskReady, nil
}

// prepare creates a fresh directory for rec and writes the audit manifest.
func (s diskStore) prepare(rec domain.EnvironmentRecord) error {
	if err := os.RemoveAll(rec.Location); err != nil {
		return fmt.Errorf("clearing stale environment: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(rec.Location, runtimeDir), 0o755); err != nil {
		return fmt.Errorf("creating environment dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(rec.Location, manifestFile), Canonicalize(rec.Manifest), 0o644)
}

// markReady commits rec. Nothing reads the environment as ready before the
// marker rename lands.
func (s diskStore) markReady(rec domain.EnvironmentRecord) error {
	rec.State = domain.EnvReady
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ready marker: %w", err)
	}
	return writeFileAtomic(filepath.Join(rec.Location, readyFile), data, 0o644)
}

// touch records a use of the environment for eviction bookkeeping. It
// fails when the ready marker is gone.
func (s diskStore) touch(rec *domain.EnvironmentRecord) error {
	now := time.Now()
	if err := os.Chtimes(filepath.Join(rec.Location, readyFile), now, now); err != nil {
		return err
	}
	rec.LastUsed = now
	return nil
}

func (s diskStore) remove(id domain.Identity) error {
	if err := os.RemoveAll(s.location(id)); err != nil {
		return fmt.Errorf("removing environment %s: %w", id.Short(), err)
	}
	return nil
}

// identities lists every identity with a directory under the root.
func (s diskStore) identities() ([]domain.Identity, error) {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache root: %w", err)
	}

	var ids []domain.Identity
	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == locksDir || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading cache shard: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				ids = append(ids, domain.Identity(e.Name()))
			}
		}
	}
	return ids, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
