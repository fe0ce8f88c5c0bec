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
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// FakeStore is an in-memory Store for unit tests that exercise the ingest
// session contract without touching disk for the blob index. It still
// stages ingest writes to a real temp directory since callers (the tar
// differ) write files via normal filesystem APIs.
type FakeStore struct {
	mu       sync.Mutex
	blobs    map[digest.Digest][]byte
	sessions map[string]string

	// CancelCount and CompleteCount let tests assert cleanup discipline.
	CancelCount   int
	CompleteCount int
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		blobs:    make(map[digest.Digest][]byte),
		sessions: make(map[string]string),
	}
}

// NewIngestSession implements Store.
func (s *FakeStore) NewIngestSession(ctx context.Context) (string, string, error) {
	dir, err := os.MkdirTemp("", "fakestore-ingest-")
	if err != nil {
		return "", "", err
	}
	s.mu.Lock()
	id := fmt.Sprintf("fake-%d", len(s.sessions)+s.CompleteCount+s.CancelCount)
	s.sessions[id] = dir
	s.mu.Unlock()
	return id, dir, nil
}

// CompleteIngestSession implements Store.
func (s *FakeStore) CompleteIngestSession(ctx context.Context, sessionID string) ([]digest.Digest, error) {
	s.mu.Lock()
	dir, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		s.CompleteCount++
	}
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var digests []digest.Digest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(data)
		dgst := digest.NewDigestFromBytes(digest.SHA256, sum[:])

		s.mu.Lock()
		s.blobs[dgst] = data
		s.mu.Unlock()
		digests = append(digests, dgst)
	}
	return digests, nil
}

// CancelIngestSession implements Store.
func (s *FakeStore) CancelIngestSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	dir, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		s.CancelCount++
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return os.RemoveAll(dir)
}

// Get implements Store.
func (s *FakeStore) Get(ctx context.Context, dgst digest.Digest) (Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[dgst]
	if !ok {
		return nil, ErrNotFound
	}
	return bytesContent{data: data}, nil
}
