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
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestFakeStoreIngestRoundTrip(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()

	sessionID, dir, err := store.NewIngestSession(ctx)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "layer.tar"), []byte("payload"), 0o644))

	digests, err := store.CompleteIngestSession(ctx, sessionID)
	assert.NilError(t, err)
	assert.Equal(t, len(digests), 1)
	assert.Equal(t, store.CompleteCount, 1)

	content, err := store.Get(ctx, digests[0])
	assert.NilError(t, err)
	assert.Equal(t, string(content.Data()), "payload")
}

func TestFakeStoreCancelTracksCount(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()

	sessionID, _, err := store.NewIngestSession(ctx)
	assert.NilError(t, err)
	assert.NilError(t, store.CancelIngestSession(ctx, sessionID))
	assert.Equal(t, store.CancelCount, 1)

	assert.NilError(t, store.CancelIngestSession(ctx, sessionID))
	assert.Equal(t, store.CancelCount, 1)
}
