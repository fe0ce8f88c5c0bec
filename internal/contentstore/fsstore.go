/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package contentstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/containerd/log"
)

// FSStore is a filesystem-backed Store. Blobs are content-addressed under
// root/blobs/sha256/<hex>; ingest sessions stage into root/ingest/<id>
// before their contents are digested and moved into place on completion.
type FSStore struct {
	root string

	mu       sync.Mutex
	sessions map[string]string // sessionID -> staging directory
}

// NewFSStore creates (if needed) root/blobs and root/ingest and returns a
// Store rooted there.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "blobs", "sha256"), 0o755); err != nil {
		return nil, fmt.Errorf("contentstore: create blobs dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "ingest"), 0o755); err != nil {
		return nil, fmt.Errorf("contentstore: create ingest dir: %w", err)
	}
	return &FSStore{root: root, sessions: make(map[string]string)}, nil
}

func (s *FSStore) blobPath(dgst digest.Digest) string {
	return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), dgst.Encoded())
}

// NewIngestSession implements Store.
func (s *FSStore) NewIngestSession(ctx context.Context) (string, string, error) {
	dir, err := os.MkdirTemp(filepath.Join(s.root, "ingest"), "session-")
	if err != nil {
		return "", "", fmt.Errorf("contentstore: new ingest session: %w", err)
	}
	id := filepath.Base(dir)

	s.mu.Lock()
	s.sessions[id] = dir
	s.mu.Unlock()

	log.G(ctx).WithField("session", id).Debug("contentstore: opened ingest session")
	return id, dir, nil
}

// CompleteIngestSession implements Store.
func (s *FSStore) CompleteIngestSession(ctx context.Context, sessionID string) ([]digest.Digest, error) {
	s.mu.Lock()
	dir, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("contentstore: read ingest session %s: %w", sessionID, err)
	}

	var digests []digest.Digest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dgst, err := s.ingestFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("contentstore: digest %s: %w", e.Name(), err)
		}
		digests = append(digests, dgst)
	}

	log.G(ctx).WithField("session", sessionID).WithField("blobs", len(digests)).Debug("contentstore: completed ingest session")
	return digests, nil
}

func (s *FSStore) ingestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	dgst := digest.NewDigest(digest.SHA256, h)

	dst := s.blobPath(dgst)
	if _, err := os.Stat(dst); err == nil {
		return dgst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, f); err != nil {
		return "", err
	}
	return dgst, nil
}

// CancelIngestSession implements Store. Idempotent per spec §4.J.
func (s *FSStore) CancelIngestSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	dir, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	log.G(ctx).WithField("session", sessionID).Debug("contentstore: cancelled ingest session")
	return os.RemoveAll(dir)
}

// Get implements Store.
func (s *FSStore) Get(ctx context.Context, dgst digest.Digest) (Content, error) {
	data, err := os.ReadFile(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contentstore: get %s: %w", dgst, err)
	}
	return bytesContent{data: data}, nil
}
