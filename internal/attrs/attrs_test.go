//go:build linux || darwin

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

package attrs

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"
)

func TestInspectRegularFile(t *testing.T) {
	dir := fs.NewDir(t, "attrs", fs.WithFile("hello.txt", "hello world", fs.WithMode(0o644)))
	defer dir.Remove()

	got, err := Inspect(dir.Join("hello.txt"), DefaultOptions())
	assert.NilError(t, err)
	assert.Equal(t, got.Type, TypeRegular)
	assert.Assert(t, got.Size != nil && *got.Size == 11)
	assert.Assert(t, got.Mode != nil && *got.Mode == 0o644)
}

func TestInspectSymlinkNotFollowed(t *testing.T) {
	dir := fs.NewDir(t, "attrs", fs.WithFile("target.txt", "x"))
	defer dir.Remove()

	link := filepath.Join(dir.Path(), "link")
	assert.NilError(t, os.Symlink("target.txt", link))

	got, err := Inspect(link, DefaultOptions())
	assert.NilError(t, err)
	assert.Equal(t, got.Type, TypeSymlink)
	assert.Equal(t, string(got.SymlinkTarget), "target.txt")
}

func TestInspectNotFound(t *testing.T) {
	_, err := Inspect("/does/not/exist/at/all", DefaultOptions())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimestampFlooring(t *testing.T) {
	assert.Equal(t, floorToGranularity(1_999_999, 1_000_000), int64(1_000_000))
	assert.Equal(t, floorToGranularity(-1, 1_000_000), int64(-1_000_000))
	assert.Equal(t, floorToGranularity(0, 1_000_000), int64(0))
	assert.Equal(t, floorToGranularity(5, 1), int64(5))
}

func TestCanonicalXAttrKey(t *testing.T) {
	cases := map[string]string{
		"user.foo":       "user:foo",
		"SECURITY.CAPS":  "security:caps",
		"noNamespace":    "nonamespace",
	}
	for in, want := range cases {
		got := canonicalXAttrKey(in)
		assert.Equal(t, got, want)
	}
}
