package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/podcache/podcache/config"
)

// mappingRecord is the persisted form of a URL's identity: enough to
// rebuild an entry.Entry (sid, url, headers) without re-deriving the sid
// from scratch and without trusting anything about cached bytes — those
// are always re-derived from the chunk files on disk, never from this
// file.
type mappingRecord struct {
	SID     string            `json:"sid"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func mappingPath(cacheDir, sid string) string {
	return filepath.Join(config.MappingsDirPath(cacheDir), sid+".json.zst")
}

// SaveMapping persists a sid's identity so it survives a process
// restart. Compact, compressed, and non-authoritative: if this file is
// ever lost, the corresponding entry is simply treated as brand new
// (the chunk files for it become orphans, eventually reclaimed by a
// prune sweep keyed on directory mtime rather than this index).
func SaveMapping(cacheDir, sid, url string, headers map[string]string) error {
	dir := config.MappingsDirPath(cacheDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: mkdir mappings dir: %w", err)
	}

	rec := mappingRecord{SID: sid, URL: url, Headers: headers}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal mapping: %w", err)
	}

	tmp, err := os.CreateTemp(dir, sid+".json.zst.tmp-*")
	if err != nil {
		return fmt.Errorf("registry: create temp mapping file: %w", err)
	}
	tmpName := tmp.Name()

	w, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: zstd writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: write mapping: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("registry: close zstd writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("registry: close temp mapping file: %w", err)
	}

	return os.Rename(tmpName, mappingPath(cacheDir, sid))
}

// LoadMapping reads back a previously saved mapping record, if present.
func LoadMapping(cacheDir, sid string) (url string, headers map[string]string, ok bool) {
	f, err := os.Open(mappingPath(cacheDir, sid))
	if err != nil {
		return "", nil, false
	}
	defer f.Close()

	r, err := zstd.NewReader(f)
	if err != nil {
		return "", nil, false
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return "", nil, false
	}

	var rec mappingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", nil, false
	}
	return rec.URL, rec.Headers, true
}

// LoadAllMappings scans the mappings directory and returns every record
// found. Used at startup to repopulate the registry before the first
// request for a previously-seen URL arrives.
func LoadAllMappings(cacheDir string) ([]mappingRecord, error) {
	dir := config.MappingsDirPath(cacheDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []mappingRecord
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		const suffix = ".json.zst"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		sid := name[:len(name)-len(suffix)]
		url, headers, ok := LoadMapping(cacheDir, sid)
		if !ok {
			continue
		}
		out = append(out, mappingRecord{SID: sid, URL: url, Headers: headers})
	}
	return out, nil
}

// RemoveMapping deletes the persisted mapping for sid, if any.
func RemoveMapping(cacheDir, sid string) {
	_ = os.Remove(mappingPath(cacheDir, sid))
}
