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

// Package fspath implements a relative, byte-preserving POSIX path type.
//
// Filesystem paths are not guaranteed to be valid UTF-8. Path never assumes
// an encoding: it stores the raw bytes a directory entry produced and
// preserves them end to end, only exposing a UTF-8 string when the caller
// explicitly asks for one and the bytes happen to decode cleanly.
package fspath

import (
	"bytes"
	"sort"
	"unicode/utf8"
)

// Path is a relative POSIX-style path stored as raw bytes.
//
// Invariants: a Path never starts with '/', never contains a ".." component,
// and is never exactly ".".
type Path struct {
	raw []byte
}

// New constructs a Path from raw bytes, rejecting invariant violations.
func New(raw []byte) (Path, bool) {
	if len(raw) == 0 {
		return Path{}, false
	}
	if raw[0] == '/' {
		return Path{}, false
	}
	if bytes.Equal(raw, []byte(".")) {
		return Path{}, false
	}
	for _, comp := range bytes.Split(raw, []byte("/")) {
		if bytes.Equal(comp, []byte("..")) {
			return Path{}, false
		}
	}
	return Path{raw: append([]byte(nil), raw...)}, true
}

// FromString is a convenience wrapper around New for UTF-8 callers.
func FromString(s string) (Path, bool) {
	return New([]byte(s))
}

// MustFromString panics if s is not a valid relative path. Intended for
// tests and for constants known at compile time.
func MustFromString(s string) Path {
	p, ok := FromString(s)
	if !ok {
		panic("fspath: invalid path: " + s)
	}
	return p
}

// Bytes returns the raw bytes backing the path. Callers must not mutate the
// returned slice.
func (p Path) Bytes() []byte {
	return p.raw
}

// StringValue returns the path decoded as UTF-8, and whether decoding
// succeeded.
func (p Path) StringValue() (string, bool) {
	if !utf8.Valid(p.raw) {
		return "", false
	}
	return string(p.raw), true
}

// String implements fmt.Stringer. It converts the raw bytes to a Go string
// as-is, without validating UTF-8; use StringValue when a valid UTF-8 string
// is required.
func (p Path) String() string {
	return string(p.raw)
}

// IsZero reports whether p is the zero value (no path set).
func (p Path) IsZero() bool {
	return p.raw == nil
}

// LastPathComponent returns the final '/'-separated component.
func (p Path) LastPathComponent() []byte {
	idx := bytes.LastIndexByte(p.raw, '/')
	if idx < 0 {
		return p.raw
	}
	return p.raw[idx+1:]
}

// DeletingLastPathComponent returns the path with its final component
// removed. Returns the zero Path if p has only one component.
func (p Path) DeletingLastPathComponent() (Path, bool) {
	idx := bytes.LastIndexByte(p.raw, '/')
	if idx < 0 {
		return Path{}, false
	}
	return New(p.raw[:idx])
}

// Appending returns p with name appended as a new final component.
func (p Path) Appending(name []byte) (Path, bool) {
	if p.IsZero() {
		return New(name)
	}
	joined := make([]byte, 0, len(p.raw)+1+len(name))
	joined = append(joined, p.raw...)
	joined = append(joined, '/')
	joined = append(joined, name...)
	return New(joined)
}

// RelativePath returns p expressed relative to base; base must be a prefix
// of p's components. The second return is false if p is not under base.
func (p Path) RelativePath(base Path) (Path, bool) {
	if base.IsZero() {
		return p, true
	}
	if !bytes.HasPrefix(p.raw, base.raw) {
		return Path{}, false
	}
	rest := p.raw[len(base.raw):]
	if len(rest) == 0 {
		return Path{}, false
	}
	if rest[0] != '/' {
		return Path{}, false
	}
	return New(rest[1:])
}

// Compare implements total ordering by lexicographic byte comparison.
func (p Path) Compare(other Path) int {
	return bytes.Compare(p.raw, other.raw)
}

// Less reports whether p sorts before other.
func (p Path) Less(other Path) bool {
	return p.Compare(other) < 0
}

// Equal reports byte-for-byte equality.
func (p Path) Equal(other Path) bool {
	return bytes.Equal(p.raw, other.raw)
}

// SortByPath sorts paths in place using byte-lexicographic order.
func SortByPath(paths []Path) {
	sort.Slice(paths, func(i, j int) bool {
		return paths[i].Less(paths[j])
	})
}
