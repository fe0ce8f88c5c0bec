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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
)

func TestFSStoreIngestRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	assert.NilError(t, err)

	ctx := context.Background()
	sessionID, dir, err := store.NewIngestSession(ctx)
	assert.NilError(t, err)

	assert.NilError(t, os.WriteFile(filepath.Join(dir, "layer.tar"), []byte("hello world"), 0o644))

	digests, err := store.CompleteIngestSession(ctx, sessionID)
	assert.NilError(t, err)
	assert.Equal(t, len(digests), 1)

	content, err := store.Get(ctx, digests[0])
	assert.NilError(t, err)
	assert.Equal(t, string(content.Data()), "hello world")
	assert.Equal(t, content.Size(), int64(len("hello world")))
}

func TestFSStoreCancelIsIdempotent(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	assert.NilError(t, err)

	ctx := context.Background()
	sessionID, dir, err := store.NewIngestSession(ctx)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "x"), []byte("x"), 0o644))

	assert.NilError(t, store.CancelIngestSession(ctx, sessionID))
	assert.NilError(t, store.CancelIngestSession(ctx, sessionID))

	_, err = os.Stat(dir)
	assert.Assert(t, os.IsNotExist(err))
}

func TestFSStoreCompleteUnknownSession(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	assert.NilError(t, err)

	_, err = store.CompleteIngestSession(context.Background(), "nope")
	assert.Assert(t, errors.Is(err, ErrSessionNotFound))
}

func TestFSStoreGetMissingDigest(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	assert.NilError(t, err)

	_, err = store.Get(context.Background(), "sha256:"+repeatHex("0", 64))
	assert.Assert(t, errors.Is(err, ErrNotFound))
}

func TestFSStoreConcurrentSessions(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	assert.NilError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessionID, dir, err := store.NewIngestSession(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			if err := os.WriteFile(filepath.Join(dir, "blob"), []byte{byte(i)}, 0o644); err != nil {
				errs[i] = err
				return
			}
			_, err = store.CompleteIngestSession(ctx, sessionID)
			errs[i] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NilError(t, err)
	}
}

func repeatHex(c string, n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		out = append(out, c...)
	}
	return string(out[:n])
}
