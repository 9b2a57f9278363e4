package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"price_watcher/internal/faults"
	"price_watcher/internal/models"
)

// fileVersion is the current layout of the state file.
const fileVersion = "2"

// legacyPinnedFile held the pinned message id next to the version 1 state file.
const legacyPinnedFile = "pinned_message_state.json"

// fileDocument is the on-disk layout: every key of the table under "entries".
type fileDocument struct {
	Version string                     `json:"version"`
	Entries map[string]json.RawMessage `json:"entries"`
}

// File keeps the key-value table in one JSON document on disk.
// Writes are atomic (temp file, fsync, rename). History rows are not kept.
type File struct {
	Path string
}

func NewFile(path string) *File {
	return &File{Path: path}
}

func (f *File) Name() string { return "file" }

// Connect makes sure the state file exists, creating an empty one if needed,
// and migrates older layouts in place.
func (f *File) Connect(ctx context.Context) error {
	if _, err := os.Stat(f.Path); os.IsNotExist(err) {
		log.Printf("State file %s missing, generating template...", f.Path)
		return f.save(fileDocument{Version: fileVersion, Entries: map[string]json.RawMessage{}})
	} else if err != nil {
		return faults.Wrap(faults.Transient, "stat state file", err)
	}

	doc, migrated, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[models.PinnedMessageKey]; !ok {
		legacy := filepath.Join(filepath.Dir(f.Path), legacyPinnedFile)
		if b, err := os.ReadFile(legacy); err == nil && json.Valid(b) {
			log.Printf("INFO: Importing pinned message id from %s", legacy)
			doc.Entries[models.PinnedMessageKey] = json.RawMessage(b)
			migrated = true
		}
	}
	if migrated {
		log.Printf("INFO: State file migrated to version %s. Saving...", doc.Version)
		return f.save(doc)
	}
	return nil
}

func (f *File) Read(ctx context.Context, keys []string) (map[string][]byte, error) {
	doc, _, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := doc.Entries[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (f *File) Write(ctx context.Context, b Batch) error {
	doc, _, err := f.load()
	if err != nil {
		return err
	}
	for k, v := range b.Values {
		doc.Entries[k] = json.RawMessage(v)
	}
	return f.save(doc)
}

func (f *File) Close() error { return nil }

// load reads the document; a missing file is an empty document.
// The bool reports whether a legacy layout was converted.
func (f *File) load() (fileDocument, bool, error) {
	doc := fileDocument{Version: fileVersion, Entries: map[string]json.RawMessage{}}

	fh, err := os.Open(f.Path)
	if os.IsNotExist(err) {
		return doc, false, nil
	}
	if err != nil {
		return doc, false, faults.Wrap(faults.Transient, "open state file", err)
	}
	defer fh.Close()

	b, err := io.ReadAll(fh)
	if err != nil {
		return doc, false, faults.Wrap(faults.Transient, "read state file", err)
	}
	if len(b) == 0 {
		return doc, false, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return doc, false, faults.Wrap(faults.Malformed, "parse state file", err)
	}
	migrated, err := migrateDocument(top, &doc)
	if err != nil {
		return doc, false, faults.Wrap(faults.Malformed, "parse state file", err)
	}
	return doc, migrated, nil
}

// migrateDocument handles schema evolution.
//
// Version 1 files were a bare map of product id to product state (the old
// price_state.json); they become the price_state entry of a version 2 document.
func migrateDocument(top map[string]json.RawMessage, doc *fileDocument) (bool, error) {
	if _, ok := top["version"]; !ok {
		log.Println("INFO: Migrating state file from version 1 to 2")
		legacy, err := json.Marshal(top)
		if err != nil {
			return false, err
		}
		doc.Entries[models.PriceStateKey] = legacy
		return true, nil
	}

	if err := json.Unmarshal(top["version"], &doc.Version); err != nil {
		return false, fmt.Errorf("version: %w", err)
	}
	if raw, ok := top["entries"]; ok {
		if err := json.Unmarshal(raw, &doc.Entries); err != nil {
			return false, fmt.Errorf("entries: %w", err)
		}
		if doc.Entries == nil {
			doc.Entries = map[string]json.RawMessage{}
		}
	}
	return false, nil
}

// save writes the document using an atomic write pattern:
// temp file in the same directory, fsync, then rename over the target.
func (f *File) save(doc fileDocument) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".tmp*")
	if err != nil {
		return faults.Wrap(faults.Transient, "create temp state file", err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return faults.Wrap(faults.Transient, "write state file", err)
	}

	if _, err := tmp.Write(b); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	// Close before renaming (required on Windows).
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return faults.Wrap(faults.Transient, "close temp state file", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return faults.Wrap(faults.Transient, "replace state file", err)
	}
	return nil
}
