package client

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
)

// Store is the persistent key/value collaborator used to remember the local
// user's identity across reloads.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// ErrKeyNotFound is returned by Store.Get for absent keys.
var ErrKeyNotFound = errors.New("key not found")

// avatarKey is the stable key the chosen avatar persists under. The nickname
// is deliberately not persisted; it is entered fresh per session.
const avatarKey = "pomosync.avatar"

// SavedAvatar returns the persisted avatar, or "" when none is stored.
func SavedAvatar(s Store) string {
	avatar, err := s.Get(avatarKey)
	if err != nil {
		return ""
	}
	return avatar
}

// SaveAvatar persists the chosen avatar for future sessions.
func SaveAvatar(s Store, avatar string) error {
	return s.Set(avatarKey, avatar)
}

// MemStore is an in-memory Store, used in tests and as a fallback when no
// durable location is available.
type MemStore struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]string)}
}

func (s *MemStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

// FileStore persists keys as a small JSON object on disk.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file path. The file is
// created on first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = value
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
