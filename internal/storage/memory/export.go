// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/localizer/presence/pkg/core"
)

// snapshotFile is the JSON layout of a saved collection
type snapshotFile struct {
	Version int              `json:"version"`
	Users   []userRecordJSON `json:"users"`
}

type userRecordJSON struct {
	ID string `json:"id"`
	core.UserRecord
}

const snapshotFileVersion = 1

func isGzipPath(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// saveSnapshot writes snap to path, gzipped when compress is set.
// A ".gz" suffix is added to compressed files that lack it.
func saveSnapshot(path string, snap core.Snapshot, compress bool) error {
	if compress && !isGzipPath(path) {
		path += ".gz"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	export := snapshotFile{
		Version: snapshotFileVersion,
		Users:   make([]userRecordJSON, 0, snap.Len()),
	}
	for _, id := range snap.IDs {
		export.Users = append(export.Users, userRecordJSON{ID: id, UserRecord: snap.Records[id]})
	}

	// write next to the target and rename so a crash never leaves half a file
	tmp := path + ".tmp"
	if compress {
		if err := writeGzipJSON(tmp, export); err != nil {
			return err
		}
	} else {
		if err := writeJSON(tmp, export); err != nil {
			return err
		}
	}
	return os.Rename(tmp, path)
}

// loadSnapshot reads a file written by saveSnapshot. A missing file yields an
// empty snapshot; both the plain and the ".gz" name are tried.
func loadSnapshot(path string) (core.Snapshot, error) {
	candidates := []string{path}
	if !isGzipPath(path) {
		candidates = append(candidates, path+".gz")
	}

	for _, candidate := range candidates {
		f, err := os.Open(candidate)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return core.Snapshot{}, fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()

		var r io.Reader = f
		if isGzipPath(candidate) {
			gz, err := gzip.NewReader(f)
			if err != nil {
				return core.Snapshot{}, fmt.Errorf("failed to read gzip snapshot: %w", err)
			}
			defer gz.Close()
			r = gz
		}

		var file snapshotFile
		if err := json.NewDecoder(r).Decode(&file); err != nil {
			return core.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		if file.Version != snapshotFileVersion {
			return core.Snapshot{}, fmt.Errorf("unsupported snapshot version %d", file.Version)
		}

		snap := core.NewSnapshot()
		for _, u := range file.Users {
			snap.Put(u.ID, u.UserRecord)
		}
		return snap, nil
	}
	return core.NewSnapshot(), nil
}

func writeJSON(path string, data snapshotFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	return encoder.Encode(data)
}

func writeGzipJSON(path string, data snapshotFile) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	encoder := json.NewEncoder(gzWriter)
	if err := encoder.Encode(data); err != nil {
		gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}
