package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// State is what a client remembers about one upload between runs.
type State struct {
	UploadID  string         `json:"upload_id"`
	ObjectKey string         `json:"object_key"`
	PartSize  int64          `json:"part_size"`
	Parts     map[int]string `json:"parts"`
}

func (s *State) clone() *State {
	c := *s
	c.Parts = make(map[int]string, len(s.Parts))
	for n, etag := range s.Parts {
		c.Parts[n] = etag
	}
	return &c
}

// StateStore persists State by key. Load returns nil, nil when nothing is
// stored.
type StateStore interface {
	Load(key string) (*State, error)
	Save(key string, state *State) error
	Delete(key string) error
}

// StateKey identifies an upload by file name and size.
func StateKey(filename string, size int64) string {
	return filename + ":" + strconv.FormatInt(size, 10)
}

// FileStateStore keeps one JSON file per upload in a directory. Writes go
// through a temp file and rename so a crash never leaves a torn file.
type FileStateStore struct {
	dir string
}

func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (s *FileStateStore) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+".json")
}

func (s *FileStateStore) Load(key string) (*State, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", s.path(key), err)
	}
	if state.Parts == nil {
		state.Parts = map[int]string{}
	}
	return &state, nil
}

func (s *FileStateStore) Save(key string, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *FileStateStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
