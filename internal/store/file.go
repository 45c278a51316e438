package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "feedwatch/pkg/logx"
)

// fileStore keeps the whole mapping in one JSON document and rewrites it
// atomically (temp file + rename) on every Save.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("state file unreadable; starting fresh", logx.String("path", s.path), logx.Err(err))
		}
		return State{}, nil
	}
	if len(b) == 0 {
		return State{}, nil
	}

	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		// Corruption is "start fresh", never fatal.
		s.log.Warn("state file corrupt; starting fresh", logx.String("path", s.path), logx.Err(err))
		return State{}, nil
	}
	if st == nil {
		st = State{}
	}
	return st, nil
}

func (s *fileStore) Save(ctx context.Context, st State) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error { return nil }
