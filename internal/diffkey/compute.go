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

package diffkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apple/container-diff/internal/attrs"
	"github.com/apple/container-diff/internal/diffmodel"
	"github.com/apple/container-diff/internal/xattrcodec"
)

// ComputeInput gathers everything needed to derive a DiffKey, per spec §4.H.
type ComputeInput struct {
	Diffs       []diffmodel.Diff
	BaseDigest  string // canonical "sha256:..." string, or "" if absent
	TargetMount string // used only to read target-side bytes for content hashes
}

// Compute derives the canonical Merkle-based DiffKey for a change set.
// Identical logical change sets produce identical keys regardless of
// traversal order, xattr insertion order, or concurrency, per spec §4.H's
// determinism contract.
func Compute(input ComputeInput) (DiffKey, error) {
	lines := make([]string, 0, len(input.Diffs))
	for _, d := range input.Diffs {
		line, err := canonicalLine(d, input.TargetMount)
		if err != nil {
			return DiffKey{}, fmt.Errorf("diffkey: canonicalise %s: %w", d.Path, err)
		}
		lines = append(lines, line)
	}

	sort.Slice(lines, func(i, j int) bool {
		pi, pj := pathField(lines[i]), pathField(lines[j])
		if pi != pj {
			return pi < pj
		}
		return lines[i] < lines[j]
	})

	root := merkleRoot(lines)
	baseTag := input.BaseDigest
	if baseTag == "" {
		baseTag = "scratch"
	}

	final := sha256.Sum256([]byte("diffkey:v1|" + baseTag + "|" + hex.EncodeToString(root[:])))
	return FromDigest(final), nil
}

// pathField extracts the second '|'-separated field (the path) used both
// for display and as the canonical sort key, per spec §4.H.
func pathField(line string) string {
	fields := strings.SplitN(line, "|", 3)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func canonicalLine(d diffmodel.Diff, targetMount string) (string, error) {
	if d.Op == diffmodel.OpDeleted {
		return fmt.Sprintf("D|%s", d.Path), nil
	}

	perms := "0"
	if d.Permissions != nil {
		perms = strconv.FormatUint(uint64(*d.Permissions), 10)
	}
	uid := optUint32(d.UID)
	gid := optUint32(d.GID)
	linkTarget := "-"
	if d.LinkTarget != nil {
		linkTarget = *d.LinkTarget
	}

	xh := "-"
	if len(d.XAttrs) > 0 {
		sum := sha256.Sum256(xattrcodec.DigestInput(toAttrsXAttrs(d.XAttrs)))
		xh = hex.EncodeToString(sum[:])
	}

	ch, err := contentHashHex(d, targetMount)
	if err != nil {
		return "", err
	}

	switch d.Op {
	case diffmodel.OpAdded:
		return fmt.Sprintf("A|%s|%s|%s|%s|%s|%s|xh:%s|ch:%s",
			d.Path, d.Node, perms, uid, gid, linkTarget, xh, ch), nil
	case diffmodel.OpModified:
		return fmt.Sprintf("M|%s|%s|%s|%s|%s|%s|%s|xh:%s|ch:%s",
			d.Path, kindTag(d.ModifiedKind), d.Node, perms, uid, gid, linkTarget, xh, ch), nil
	default:
		return "", fmt.Errorf("diffkey: unrecognised op %v", d.Op)
	}
}

func kindTag(k diffmodel.ModifiedKind) string {
	switch k {
	case diffmodel.ModifiedMetadataOnly:
		return "meta"
	case diffmodel.ModifiedContentChanged:
		return "content"
	case diffmodel.ModifiedTypeChanged:
		return "type"
	case diffmodel.ModifiedSymlinkTargetChanged:
		return "symlink"
	default:
		return "meta"
	}
}

func optUint32(v *uint32) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*v), 10)
}

// contentHashHex is present only for regular files on an Added or
// Modified{contentChanged} entry, computed from target-side bytes; "-" in
// every other case, including a target-side file that no longer exists.
func contentHashHex(d diffmodel.Diff, targetMount string) (string, error) {
	if d.Node != diffmodel.NodeRegular {
		return "-", nil
	}
	if d.Op == diffmodel.OpAdded {
		// proceed
	} else if d.Op == diffmodel.OpModified && d.ModifiedKind == diffmodel.ModifiedContentChanged {
		// proceed
	} else {
		return "-", nil
	}

	full := filepath.Join(targetMount, filepath.FromSlash(d.Path.String()))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "-", nil
		}
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func toAttrsXAttrs(xs []diffmodel.XAttr) []attrs.XAttrEntry {
	out := make([]attrs.XAttrEntry, len(xs))
	for i, x := range xs {
		out[i] = attrs.XAttrEntry{Key: x.Key, Value: x.Value}
	}
	return out
}

// merkleRoot implements spec §4.H's tree construction: leaves are the
// SHA-256 of each sorted canonical line, pairs are combined with SHA-256,
// the last leaf is duplicated on odd levels, a single-leaf level returns
// that leaf, and an empty set uses SHA-256("empty").
func merkleRoot(lines []string) [32]byte {
	if len(lines) == 0 {
		return sha256.Sum256([]byte("empty"))
	}

	level := make([][32]byte, len(lines))
	for i, line := range lines {
		level[i] = sha256.Sum256([]byte(line))
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(next); i++ {
			var buf [64]byte
			copy(buf[:32], level[2*i][:])
			copy(buf[32:], level[2*i+1][:])
			next[i] = sha256.Sum256(buf[:])
		}
		level = next
	}
	return level[0]
}
