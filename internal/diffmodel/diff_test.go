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

package diffmodel

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/apple/container-diff/internal/fspath"
)

func mkDiff(op Op, path string) Diff {
	return Diff{Op: op, Path: fspath.MustFromString(path)}
}

func TestSortAndDedupOrdersByPath(t *testing.T) {
	in := []Diff{
		mkDiff(OpAdded, "c.txt"),
		mkDiff(OpAdded, "a.txt"),
		mkDiff(OpDeleted, "b.txt"),
	}
	out := SortAndDedup(in)
	got := make([]string, len(out))
	for i, d := range out {
		got[i] = d.Path.String()
	}
	assert.DeepEqual(t, got, []string{"a.txt", "b.txt", "c.txt"})
}

func TestSortAndDedupFirstWins(t *testing.T) {
	first := mkDiff(OpAdded, "a.txt")
	first.ModifiedKind = ModifiedContentChanged
	second := mkDiff(OpAdded, "a.txt")
	second.ModifiedKind = ModifiedMetadataOnly

	out := SortAndDedup([]Diff{first, second})
	assert.Equal(t, len(out), 1)
	assert.Equal(t, out[0].ModifiedKind, ModifiedContentChanged)
}
