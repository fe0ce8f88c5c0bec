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

package diffmeta

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"

	"github.com/apple/container-diff/internal/attrs"
)

func u32(v uint32) *uint32 { return &v }
func i64(v int64) *int64   { return &v }

func TestCompareMetadataTypeChanged(t *testing.T) {
	old := &attrs.Attributes{Type: attrs.TypeRegular}
	new := &attrs.Attributes{Type: attrs.TypeDirectory}
	assert.Equal(t, CompareMetadata(old, new), VerdictTypeChanged)
}

func TestCompareMetadataSymlinkTargetChanged(t *testing.T) {
	old := &attrs.Attributes{Type: attrs.TypeSymlink, SymlinkTarget: []byte("a")}
	new := &attrs.Attributes{Type: attrs.TypeSymlink, SymlinkTarget: []byte("b")}
	assert.Equal(t, CompareMetadata(old, new), VerdictSymlinkTargetChanged)
}

func TestCompareMetadataModeChange(t *testing.T) {
	old := &attrs.Attributes{Type: attrs.TypeRegular, Mode: u32(0o644)}
	new := &attrs.Attributes{Type: attrs.TypeRegular, Mode: u32(0o600)}
	assert.Equal(t, CompareMetadata(old, new), VerdictMetadataOnly)
}

func TestCompareMetadataNoChange(t *testing.T) {
	old := &attrs.Attributes{Type: attrs.TypeRegular, Mode: u32(0o644), UID: u32(0), GID: u32(0), MtimeNS: i64(1), CtimeNS: i64(1)}
	new := &attrs.Attributes{Type: attrs.TypeRegular, Mode: u32(0o644), UID: u32(0), GID: u32(0), MtimeNS: i64(1), CtimeNS: i64(1)}
	assert.Equal(t, CompareMetadata(old, new), VerdictNoChange)
}

func TestDiffFileContentChanged(t *testing.T) {
	dir := fs.NewDir(t, "diffmeta",
		fs.WithFile("old.txt", "1"),
		fs.WithFile("new.txt", "2"))
	defer dir.Remove()

	old := &attrs.Attributes{Type: attrs.TypeRegular, Size: i64(1), Mode: u32(0o644)}
	new := &attrs.Attributes{Type: attrs.TypeRegular, Size: i64(1), Mode: u32(0o644)}

	verdict, err := DiffFile(context.Background(), dir.Join("old.txt"), dir.Join("new.txt"), old, new, sha256.New)
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictContentChanged)
}

func TestDiffFileSizeShortCircuitsHash(t *testing.T) {
	dir := fs.NewDir(t, "diffmeta",
		fs.WithFile("old.txt", "1"),
		fs.WithFile("new.txt", "22"))
	defer dir.Remove()

	old := &attrs.Attributes{Type: attrs.TypeRegular, Size: i64(1)}
	new := &attrs.Attributes{Type: attrs.TypeRegular, Size: i64(2)}

	verdict, err := DiffFile(context.Background(), dir.Join("old.txt"), dir.Join("new.txt"), old, new, sha256.New)
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictContentChanged)
}

func TestDiffFileNoChange(t *testing.T) {
	dir := fs.NewDir(t, "diffmeta",
		fs.WithFile("old.txt", "same"),
		fs.WithFile("new.txt", "same"))
	defer dir.Remove()

	old := &attrs.Attributes{Type: attrs.TypeRegular, Size: i64(4), Mode: u32(0o644)}
	new := &attrs.Attributes{Type: attrs.TypeRegular, Size: i64(4), Mode: u32(0o644)}

	verdict, err := DiffFile(context.Background(), dir.Join("old.txt"), dir.Join("new.txt"), old, new, sha256.New)
	assert.NilError(t, err)
	assert.Equal(t, verdict, VerdictNoChange)
}

func TestCompareContentStreamsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	bigA := filepath.Join(dir, "a.bin")
	bigB := filepath.Join(dir, "b.bin")
	data := make([]byte, 200*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	assert.NilError(t, os.WriteFile(bigA, data, 0o644))
	data[len(data)-1] ^= 0xFF
	assert.NilError(t, os.WriteFile(bigB, data, 0o644))

	changed, err := CompareContent(context.Background(), bigA, bigB, sha256.New)
	assert.NilError(t, err)
	assert.Assert(t, changed)
}
