package batch

import (
	"fmt"
	"os"
	"path/filepath"
)

// Direction names the half of a session a batch belongs to.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Store hands out per-session batch directories under Root. Sessions never
// share a directory.
type Store struct {
	Root   string
	Codecs *Registry
	Codec  string
	Policy Policy
}

// NewStore returns a store writing parts with the named codec.
func NewStore(root string, reg *Registry, codec string, policy Policy) (*Store, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if codec == "" {
		codec = JSONCodec{}.Name()
	}
	if _, err := reg.Lookup(codec); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create batch root: %w", err)
	}
	return &Store{Root: root, Codecs: reg, Codec: codec, Policy: policy}, nil
}

// Create returns an empty batch for one direction of a session.
func (s *Store) Create(sessionID string, dir Direction) (*Info, error) {
	return s.CreateWithCodec(sessionID, dir, s.Codec)
}

// CreateWithCodec is Create with an explicit codec, used when importing
// parts written by a peer.
func (s *Store) CreateWithCodec(sessionID string, dir Direction, codec string) (*Info, error) {
	if sessionID == "" || filepath.Base(sessionID) != sessionID {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	if _, err := s.Codecs.Lookup(codec); err != nil {
		return nil, err
	}
	return NewInfo(filepath.Join(s.Root, sessionID, string(dir)), codec)
}

// NewWriter returns a writer for info using the store's policy.
func (s *Store) NewWriter(info *Info) (*Writer, error) {
	return NewWriter(info, s.Codecs, s.Policy)
}

// Open opens one part of info for reading.
func (s *Store) Open(info *Info, p PartInfo) (*PartReader, error) {
	return OpenPart(info, s.Codecs, p)
}

// RemoveSession deletes every batch of a session.
func (s *Store) RemoveSession(sessionID string) error {
	if sessionID == "" || filepath.Base(sessionID) != sessionID {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	return os.RemoveAll(filepath.Join(s.Root, sessionID))
}
