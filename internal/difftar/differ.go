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

package difftar

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/containerd/log"

	"github.com/apple/container-diff/internal/attrs"
	"github.com/apple/container-diff/internal/contentstore"
	"github.com/apple/container-diff/internal/diffmodel"
	"github.com/apple/container-diff/internal/diffwalk"
	"github.com/apple/container-diff/internal/xattrcodec"
)

// DiffInput gathers everything Diff needs to produce a layer.
type DiffInput struct {
	Store            contentstore.Store
	BaseMountpoint   string // "" selects scratch mode
	BaseDigest       string // snapshot digest string for the annotation; "" => "scratch"
	TargetMountpoint string
	TargetDigest     string
	Format           Format
	Annotations      map[string]string
	WalkOptions      *diffwalk.Options
}

// DiffResult carries the produced descriptor alongside the change set the
// Directory Differ computed, so callers (the snapshotter) can reuse it
// instead of re-walking the trees for unrelated purposes.
type DiffResult struct {
	Descriptor   ocispec.Descriptor
	Diffs        []diffmodel.Diff
	SkippedPaths []string
}

// Diff runs the Directory Differ over the given mountpoints, stages the
// resulting change set into a compressed tar stream, and ingests it into
// the content store, per spec §4.G's Diff method contract.
func Diff(ctx context.Context, input DiffInput) (*DiffResult, error) {
	if !input.Format.supported() {
		return nil, fmt.Errorf("%w: format %q", ErrNotImplemented, input.Format)
	}
	mediaType, err := input.Format.MediaType()
	if err != nil {
		return nil, err
	}

	opts := input.WalkOptions
	if opts == nil {
		opts = diffwalk.DefaultOptions()
	}

	diffs, err := diffwalk.Diff(ctx, input.BaseMountpoint, input.TargetMountpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("difftar: directory diff: %w", err)
	}

	sessionID, ingestDir, err := input.Store.NewIngestSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("difftar: new ingest session: %w", err)
	}

	succeeded := false
	defer func() {
		if !succeeded {
			if cerr := input.Store.CancelIngestSession(ctx, sessionID); cerr != nil {
				log.G(ctx).WithError(cerr).Warn("difftar: cancel ingest session")
			}
		}
	}()

	tarPath := filepath.Join(ingestDir, "layer"+input.Format.extension())
	skipped, diffID, err := writeTar(tarPath, input.Format, input.TargetMountpoint, diffs)
	if err != nil {
		return nil, fmt.Errorf("difftar: write tar: %w", err)
	}

	info, err := os.Stat(tarPath)
	if err != nil {
		return nil, fmt.Errorf("difftar: stat tar: %w", err)
	}
	size := info.Size()

	digests, err := input.Store.CompleteIngestSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("difftar: complete ingest session: %w", err)
	}
	if len(digests) == 0 {
		return nil, fmt.Errorf("difftar: ingest session produced no digest")
	}
	succeeded = true

	baseTag := input.BaseDigest
	if baseTag == "" {
		baseTag = "scratch"
	}

	annotations := make(map[string]string, len(input.Annotations)+4)
	for k, v := range input.Annotations {
		annotations[k] = v
	}
	annotations[AnnotationDiffFormat] = string(input.Format)
	annotations[AnnotationDiffCreated] = time.Now().UTC().Format(time.RFC3339)
	annotations[AnnotationDiffBase] = baseTag
	annotations[AnnotationDiffTarget] = input.TargetDigest
	annotations[AnnotationLayerDiffID] = diffID.String()

	desc := ocispec.Descriptor{
		MediaType:   mediaType,
		Digest:      digests[0],
		Size:        size,
		Annotations: annotations,
	}

	log.G(ctx).WithField("digest", desc.Digest).WithField("size", desc.Size).Debug("difftar: layer written")

	return &DiffResult{Descriptor: desc, Diffs: diffs, SkippedPaths: skipped}, nil
}

type entryKind int

const (
	kindDir entryKind = iota
	kindReg
	kindSymlink
	kindWhiteout
	kindXAttrSidecar
)

type planEntry struct {
	archivePath string
	kind        entryKind
	mode        int64
	uid, gid    int
	mtime       time.Time
	linkTarget  string
	hostSource  string
	sidecarData []byte
}

// writeTar stages diffs into a plan sorted by archive path and writes a PAX
// tar stream (optionally gzip-compressed) to tarPath. Regular file payloads
// are streamed directly from their host source path; only structural
// entries (directories, symlinks, whiteouts, xattr sidecars) carry their
// content inline, mirroring spec §4.G's "placeholders mirror only the
// structural shape" staging description.
func writeTar(tarPath string, format Format, targetMountpoint string, diffs []diffmodel.Diff) ([]string, digest.Digest, error) {
	f, err := os.Create(tarPath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if format == FormatGzip || format == FormatEstargz {
		gz = gzip.NewWriter(f)
		w = gz
	}

	// diffID hashes the uncompressed tar stream independent of the ingested
	// (possibly compressed) blob digest, per the OCI diff-id convention this
	// package's AnnotationLayerDiffID anchors to.
	hasher := sha256.New()
	tw := tar.NewWriter(io.MultiWriter(hasher, w))

	entries, skipped := buildEntries(targetMountpoint, diffs)
	sort.Slice(entries, func(i, j int) bool { return entries[i].archivePath < entries[j].archivePath })

	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return nil, "", fmt.Errorf("write entry %s: %w", e.archivePath, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, "", err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, "", err
		}
	}

	return skipped, digest.NewDigestFromBytes(digest.SHA256, hasher.Sum(nil)), nil
}

func buildEntries(targetMountpoint string, diffs []diffmodel.Diff) ([]planEntry, []string) {
	var entries []planEntry
	var skipped []string

	for _, d := range diffs {
		archivePath, ok := d.Path.StringValue()
		if !ok {
			skipped = append(skipped, d.Path.String())
			continue
		}

		if d.Op == diffmodel.OpDeleted {
			entries = append(entries, planEntry{
				archivePath: whiteoutPath(archivePath),
				kind:        kindWhiteout,
				mode:        0o644,
				mtime:       time.Unix(0, 0).UTC(),
			})
			continue
		}

		e := planEntry{archivePath: archivePath, mode: 0o644, mtime: time.Unix(0, 0).UTC()}
		if d.Permissions != nil {
			e.mode = int64(*d.Permissions)
		}
		if d.UID != nil {
			e.uid = int(*d.UID)
		}
		if d.GID != nil {
			e.gid = int(*d.GID)
		}
		if d.ModTime != nil {
			e.mtime = time.Unix(0, *d.ModTime).UTC()
		}

		switch d.Node {
		case diffmodel.NodeDirectory:
			e.kind = kindDir
		case diffmodel.NodeSymlink:
			e.kind = kindSymlink
			if d.LinkTarget != nil {
				e.linkTarget = *d.LinkTarget
			}
		case diffmodel.NodeRegular:
			e.kind = kindReg
			e.hostSource = filepath.Join(targetMountpoint, filepath.FromSlash(archivePath))
		default:
			// Devices are excluded from diffs per spec §9; FIFOs/sockets have
			// no defined tar representation in this spec and are dropped.
			continue
		}
		entries = append(entries, e)

		if len(d.XAttrs) > 0 {
			entries = append(entries, planEntry{
				archivePath: ".container/xattrs/" + archivePath + ".bin",
				kind:        kindXAttrSidecar,
				mode:        0o644,
				mtime:       e.mtime,
				sidecarData: xattrcodec.Encode(toAttrsXAttrs(d.XAttrs)),
			})
		}
	}
	return entries, skipped
}

func whiteoutPath(archivePath string) string {
	dir := path.Dir(archivePath)
	base := path.Base(archivePath)
	if dir == "." {
		return ".wh." + base
	}
	return dir + "/.wh." + base
}

func writeEntry(tw *tar.Writer, e planEntry) error {
	switch e.kind {
	case kindDir:
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     e.archivePath + "/",
			Mode:     e.mode,
			Uid:      e.uid,
			Gid:      e.gid,
			ModTime:  e.mtime,
			Format:   tar.FormatPAX,
		})
	case kindSymlink:
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     e.archivePath,
			Linkname: e.linkTarget,
			Mode:     e.mode,
			Uid:      e.uid,
			Gid:      e.gid,
			ModTime:  e.mtime,
			Format:   tar.FormatPAX,
		})
	case kindWhiteout:
		return tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.archivePath,
			Mode:     e.mode,
			Size:     0,
			ModTime:  e.mtime,
			Format:   tar.FormatPAX,
		})
	case kindXAttrSidecar:
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.archivePath,
			Mode:     e.mode,
			Size:     int64(len(e.sidecarData)),
			ModTime:  e.mtime,
			Format:   tar.FormatPAX,
		}); err != nil {
			return err
		}
		_, err := tw.Write(e.sidecarData)
		return err
	case kindReg:
		f, err := os.Open(e.hostSource)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     e.archivePath,
			Mode:     e.mode,
			Uid:      e.uid,
			Gid:      e.gid,
			Size:     info.Size(),
			ModTime:  e.mtime,
			Format:   tar.FormatPAX,
		}); err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		return err
	default:
		return fmt.Errorf("difftar: unrecognised entry kind %d", e.kind)
	}
}

func toAttrsXAttrs(xs []diffmodel.XAttr) []attrs.XAttrEntry {
	out := make([]attrs.XAttrEntry, len(xs))
	for i, x := range xs {
		out[i] = attrs.XAttrEntry{Key: x.Key, Value: x.Value}
	}
	return out
}
