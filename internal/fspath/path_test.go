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

package fspath

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestNewRejectsInvariantViolations(t *testing.T) {
	cases := []string{"/abs", ".", "a/../b", "..", ""}
	for _, c := range cases {
		if _, ok := FromString(c); ok {
			t.Errorf("expected %q to be rejected", c)
		}
	}
}

func TestNewAcceptsValidPaths(t *testing.T) {
	for _, c := range []string{"a", "a/b/c", "a.txt", "dir/..hidden"} {
		if _, ok := FromString(c); !ok {
			t.Errorf("expected %q to be accepted", c)
		}
	}
}

func TestLastPathComponent(t *testing.T) {
	p := MustFromString("a/b/c.txt")
	assert.Equal(t, string(p.LastPathComponent()), "c.txt")

	single := MustFromString("c.txt")
	assert.Equal(t, string(single.LastPathComponent()), "c.txt")
}

func TestDeletingLastPathComponent(t *testing.T) {
	p := MustFromString("a/b/c.txt")
	parent, ok := p.DeletingLastPathComponent()
	assert.Assert(t, ok)
	assert.Equal(t, parent.String(), "a/b")

	single := MustFromString("c.txt")
	_, ok = single.DeletingLastPathComponent()
	assert.Assert(t, !ok)
}

func TestAppending(t *testing.T) {
	p := MustFromString("a/b")
	joined, ok := p.Appending([]byte("c.txt"))
	assert.Assert(t, ok)
	assert.Equal(t, joined.String(), "a/b/c.txt")
}

func TestRelativePath(t *testing.T) {
	base := MustFromString("a/b")
	p := MustFromString("a/b/c/d.txt")
	rel, ok := p.RelativePath(base)
	assert.Assert(t, ok)
	assert.Equal(t, rel.String(), "c/d.txt")

	other := MustFromString("x/y")
	_, ok = other.RelativePath(base)
	assert.Assert(t, !ok)
}

func TestCompareAndSort(t *testing.T) {
	paths := []Path{
		MustFromString("b.txt"),
		MustFromString("a.txt"),
		MustFromString("a/b.txt"),
	}
	SortByPath(paths)
	got := make([]string, len(paths))
	for i, p := range paths {
		got[i] = p.String()
	}
	assert.DeepEqual(t, got, []string{"a.txt", "a/b.txt", "b.txt"})
}

func TestStringValueNonUTF8(t *testing.T) {
	raw := []byte{'a', 0xff, 0xfe}
	p, ok := New(raw)
	assert.Assert(t, ok)
	_, ok = p.StringValue()
	assert.Assert(t, !ok)
}
