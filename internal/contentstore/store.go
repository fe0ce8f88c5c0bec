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

// Package contentstore defines the minimal ingest-session content store
// contract the core consumes (spec §4.J), plus a filesystem-backed default
// implementation and an in-memory fake for tests. The full-featured content
// store (leases, garbage collection, label indexing) is out of scope; only
// this narrow contract is implemented, per spec §1's explicit exclusion.
package contentstore

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	digest "github.com/opencontainers/go-digest"
)

// ErrSessionNotFound is returned by CompleteIngestSession for an
// unrecognised or already-finalised session id. CancelIngestSession treats
// such an id as already cancelled and returns nil.
var ErrSessionNotFound = fmt.Errorf("contentstore: ingest session not found: %w", errdefs.ErrNotFound)

// ErrNotFound is returned by Get when no blob exists for the given digest.
var ErrNotFound = fmt.Errorf("contentstore: digest not found: %w", errdefs.ErrNotFound)

// Content exposes the bytes and size of a retrieved blob.
type Content interface {
	Data() []byte
	Size() int64
}

// Store is the external collaborator contract from spec §4.J. Implementations
// must be safe for concurrent ingest sessions.
type Store interface {
	// NewIngestSession opens a fresh session and returns its id and a
	// directory files may be written into before completion.
	NewIngestSession(ctx context.Context) (sessionID string, ingestDirectory string, err error)

	// CompleteIngestSession digests every blob written into the session's
	// ingest directory, stores them durably, and returns their canonical
	// "sha256:<hex>" digests. A session in which a single blob was written
	// yields at least one digest.
	CompleteIngestSession(ctx context.Context, sessionID string) ([]digest.Digest, error)

	// CancelIngestSession discards the session and its staged contents.
	// Idempotent: cancelling an already-cancelled or already-completed
	// session is not an error.
	CancelIngestSession(ctx context.Context, sessionID string) error

	// Get retrieves a previously completed blob by digest.
	Get(ctx context.Context, dgst digest.Digest) (Content, error)
}

// bytesContent is the trivial Content implementation shared by both the
// filesystem store and the in-memory fake.
type bytesContent struct {
	data []byte
}

func (c bytesContent) Data() []byte { return c.data }
func (c bytesContent) Size() int64  { return int64(len(c.data)) }
