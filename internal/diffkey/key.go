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

// Package diffkey computes and parses the canonical Merkle-based cache key
// over a change set, per spec §3.5 and §4.H.
package diffkey

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	digest "github.com/opencontainers/go-digest"
)

// ErrInvalidFormat is returned when a string does not parse as a DiffKey.
var ErrInvalidFormat = fmt.Errorf("diffkey: invalid format: %w", errdefs.ErrInvalidArgument)

// DiffKey is the canonical "sha256:<64 lowercase hex>" cache key produced by
// Compute and consumed by cache-reuse and layer-identity lookups. It wraps
// digest.Digest, the same canonical-string type nerdctl uses pervasively for
// content digests, restricted to the sha256 algorithm spec §4.H mandates.
type DiffKey struct {
	value digest.Digest
}

// FromDigest constructs a DiffKey from a raw 32-byte digest.
func FromDigest(sum [32]byte) DiffKey {
	return DiffKey{value: digest.NewDigestFromBytes(digest.SHA256, sum[:])}
}

// Parse accepts only the canonical "sha256:" + 64 lowercase hex form.
func Parse(s string) (DiffKey, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return DiffKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, s, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return DiffKey{}, fmt.Errorf("%w: %q: algorithm must be sha256", ErrInvalidFormat, s)
	}
	return DiffKey{value: d}, nil
}

// String returns the canonical form.
func (k DiffKey) String() string {
	return k.value.String()
}

// IsZero reports whether k is the unset zero value.
func (k DiffKey) IsZero() bool {
	return k.value == ""
}

// Equal reports whether two keys are identical.
func (k DiffKey) Equal(other DiffKey) bool {
	return k.value == other.value
}

// Less provides a total order over DiffKeys for sorting/deduplication,
// supplementing the bare parse/format the original spec names.
func (k DiffKey) Less(other DiffKey) bool {
	return k.value < other.value
}

// MarshalText implements encoding.TextMarshaler for Codable round-tripping.
func (k DiffKey) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return nil, errors.New("diffkey: cannot marshal zero value")
	}
	return []byte(k.value.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DiffKey) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
