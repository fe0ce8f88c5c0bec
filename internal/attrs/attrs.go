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

// Package attrs captures and canonicalises per-node POSIX filesystem
// metadata, including xattrs, into a normalized record that is stable
// across runs and (within a canonical key scheme) across platforms.
package attrs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
)

// NodeType classifies a filesystem entry.
type NodeType string

// Recognised node types.
const (
	TypeRegular         NodeType = "regular"
	TypeDirectory       NodeType = "directory"
	TypeSymlink         NodeType = "symlink"
	TypeCharacterDevice NodeType = "characterDevice"
	TypeBlockDevice     NodeType = "blockDevice"
	TypeFIFO            NodeType = "fifo"
	TypeSocket          NodeType = "socket"
)

// XAttrEntry is a single canonical-key/value xattr pair.
type XAttrEntry struct {
	Key   string
	Value []byte
}

// Attributes is the canonical record for one filesystem node, per spec §3.2.
type Attributes struct {
	Path *string // set by the caller (differ), not by Inspect

	Type NodeType

	Mode *uint32 // masked to 0o7777
	UID  *uint32
	GID  *uint32

	Size *int64 // regular, symlink only

	MtimeNS *int64
	CtimeNS *int64

	Device *uint64
	Inode  *uint64

	SymlinkTarget []byte // only when not following symlinks

	XAttrs []XAttrEntry // sorted by canonical key

	DevMajor *uint32
	DevMinor *uint32

	NLink *uint64
}

// Options configures a single Inspect call, per spec §3.7.
type Options struct {
	EnableXAttrsCapture     bool
	XAttrIgnoreList         map[string]struct{}
	XAttrMaxBytes           int
	FollowSymlinks          bool
	TimestampGranularityNS  int64
}

// DefaultOptions returns the spec-mandated defaults: xattrs off, a 256KiB
// per-file xattr cap, 1ms timestamp granularity, symlinks not followed.
func DefaultOptions() *Options {
	return &Options{
		EnableXAttrsCapture:    false,
		XAttrIgnoreList:        map[string]struct{}{},
		XAttrMaxBytes:          262144,
		FollowSymlinks:         false,
		TimestampGranularityNS: 1_000_000,
	}
}

// Option mutates an Options value; used by callers that only want to
// override a handful of fields from the default.
type Option func(*Options)

// WithXAttrsCapture enables xattr capture.
func WithXAttrsCapture(ignore ...string) Option {
	return func(o *Options) {
		o.EnableXAttrsCapture = true
		for _, key := range ignore {
			o.XAttrIgnoreList[canonicalXAttrKey(key)] = struct{}{}
		}
	}
}

// WithFollowSymlinks enables following symlinks rather than reporting them.
func WithFollowSymlinks() Option {
	return func(o *Options) { o.FollowSymlinks = true }
}

// WithTimestampGranularityNS overrides the default 1ms granularity.
func WithTimestampGranularityNS(ns int64) Option {
	return func(o *Options) { o.TimestampGranularityNS = ns }
}

// WithXAttrMaxBytes overrides the default per-file xattr byte cap.
func WithXAttrMaxBytes(n int) Option {
	return func(o *Options) { o.XAttrMaxBytes = n }
}

// Errors returned by Inspect, per spec §4.A. Each is additionally wrapped
// with the matching github.com/containerd/errdefs sentinel so callers can
// classify failures with errdefs.IsNotFound(err) etc.
var (
	ErrNotFound         = fmt.Errorf("attrs: not found: %w", errdefs.ErrNotFound)
	ErrPermissionDenied = fmt.Errorf("attrs: permission denied: %w", errdefs.ErrPermissionDenied)
	ErrXAttrTooLarge    = fmt.Errorf("attrs: xattr too large: %w", errdefs.ErrResourceExhausted)
	ErrUnsupported      = fmt.Errorf("attrs: unsupported: %w", errdefs.ErrNotImplemented)
)

// IOError wraps a syscall-level failure with the operation that produced it.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("attrs: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// floorToGranularity floors ns down to the nearest multiple of granularity
// (spec §4.A's timestamp normalisation). Negative values round toward
// negative infinity, so -1 with a 1ms granularity becomes -1ms.
func floorToGranularity(ns int64, granularity int64) int64 {
	if granularity <= 1 {
		return ns
	}
	if ns >= 0 {
		return ns - ns%granularity
	}
	rem := -ns % granularity
	if rem == 0 {
		return ns
	}
	return ns - (granularity - rem)
}

// canonicalXAttrKey canonicalises an xattr key per spec §4.A: lowercase
// "namespace:name" when a dot separator exists, otherwise the fully
// lowercased key.
func canonicalXAttrKey(key string) string {
	if idx := strings.Index(key, "."); idx >= 0 {
		ns := strings.ToLower(key[:idx])
		name := strings.ToLower(key[idx+1:])
		return ns + ":" + name
	}
	return strings.ToLower(key)
}

// sortXAttrs sorts entries by canonical key, matching spec §3.2's invariant.
func sortXAttrs(entries []XAttrEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
}
