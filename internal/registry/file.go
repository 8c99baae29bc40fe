package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/fsutil"
)

// fileRecord is the on-disk form of a Session.
type fileRecord struct {
	ID            string            `json:"id"`
	Token         string            `json:"token"`
	TargetSession string            `json:"targetSession"`
	CreatedAt     int64             `json:"createdAt"`
	ExpiresAt     int64             `json:"expiresAt"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toRecord(s Session) fileRecord {
	return fileRecord{
		ID:            s.ID,
		Token:         s.Token,
		TargetSession: s.TargetSession,
		CreatedAt:     s.CreatedAt.Unix(),
		ExpiresAt:     s.ExpiresAt.Unix(),
		Status:        s.Status,
		Metadata:      s.Metadata,
	}
}

func (r fileRecord) session() Session {
	return Session{
		ID:            r.ID,
		Token:         r.Token,
		TargetSession: r.TargetSession,
		CreatedAt:     time.Unix(r.CreatedAt, 0),
		ExpiresAt:     time.Unix(r.ExpiresAt, 0),
		Status:        r.Status,
		Metadata:      r.Metadata,
	}
}

// FileStore keeps one JSON file per session in a directory. Every read goes
// to disk so separate processes sharing the directory see each other's
// writes; writes replace a file atomically.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("registry: directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("registry: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("registry: invalid id %q", id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

func (f *FileStore) Put(_ context.Context, s Session) error {
	p, err := f.path(s.ID)
	if err != nil {
		return err
	}
	return fsutil.WriteJSON(p, toRecord(s), 0600)
}

func (f *FileStore) Get(_ context.Context, id string) (Session, error) {
	p, err := f.path(id)
	if err != nil {
		return Session{}, ErrNotFound
	}
	rec, err := readRecord(p)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return rec.session(), nil
}

func (f *FileStore) FindByToken(ctx context.Context, token string) (Session, error) {
	sessions, err := f.List(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, s := range sessions {
		if strings.EqualFold(s.Token, token) {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

// List reads every record, oldest first. Unreadable or corrupt files are
// logged and skipped.
func (f *FileStore) List(_ context.Context) ([]Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.dir, err)
	}
	var sessions []Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rec, err := readRecord(filepath.Join(f.dir, e.Name()))
		if errors.Is(err, os.ErrNotExist) {
			// Removed between ReadDir and open.
			continue
		}
		if err != nil {
			log.Printf("registry: skipping %s: %v", e.Name(), err)
			continue
		}
		sessions = append(sessions, rec.session())
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	p, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readRecord(path string) (fileRecord, error) {
	var rec fileRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse: %w", err)
	}
	if rec.ID == "" || rec.Token == "" {
		return rec, fmt.Errorf("parse: missing id or token")
	}
	return rec, nil
}
