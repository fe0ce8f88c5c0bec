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

package snapshotter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/containerd/log"

	"github.com/apple/container-diff/internal/difftar"
	"github.com/apple/container-diff/internal/snapshot"
)

// materializeLocked rehydrates a committed snapshot into a prepared
// directory by applying its layer chain, per spec §4.I's materialisation
// algorithm. It must only be called from within the actor's run loop.
func (s *Snapshotter) materializeLocked(ctx context.Context, node snapshot.Snapshot) (string, error) {
	fields, ok := node.State.CommittedFields()
	if !ok || fields.LayerDigest == "" {
		return "", missingMountpointErr(node.ID)
	}

	if path, ok := s.materializedBases[fields.LayerDigest]; ok {
		log.G(ctx).WithField("layerDigest", fields.LayerDigest).Debug("snapshotter: materialisation cache hit (in-memory)")
		return path, nil
	}

	dest := filepath.Join(s.workingRoot, "materialized", sanitizeDigest(fields.LayerDigest))
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		log.G(ctx).WithField("layerDigest", fields.LayerDigest).Debug("snapshotter: materialisation cache hit (on disk)")
		s.materializedBases[fields.LayerDigest] = dest
		return dest, nil
	}

	log.G(ctx).WithField("layerDigest", fields.LayerDigest).Debug("snapshotter: materialisation cache miss, rehydrating")

	if node.Parent != nil {
		if parentFull, ok := s.lookupParent(node.Parent); ok && parentFull.State.IsFinalized() {
			parentPath, err := s.materializeLocked(ctx, parentFull)
			if err != nil {
				return "", fmt.Errorf("snapshotter: materialise parent %s: %w", node.Parent.ID, err)
			}
			if err := copyTree(parentPath, dest); err != nil {
				return "", fmt.Errorf("snapshotter: copy parent tree: %w", err)
			}
		} else if err := os.MkdirAll(dest, 0o755); err != nil {
			return "", err
		}
	} else if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	dgst, err := digest.Parse(fields.LayerDigest)
	if err != nil {
		return "", fmt.Errorf("snapshotter: parse layer digest: %w", err)
	}
	content, err := s.store.Get(ctx, dgst)
	if err != nil {
		return "", fmt.Errorf("snapshotter: fetch layer blob: %w", err)
	}

	tmp, err := os.CreateTemp("", "snapshotter-layer-*"+mediaTypeExt(fields.LayerMediaType))
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(content.Data()); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if err := difftar.ApplyChain(ctx, dest, []difftar.LayerRef{{Path: tmpPath, MediaType: fields.LayerMediaType}}); err != nil {
		return "", fmt.Errorf("snapshotter: apply layer %s: %w", fields.LayerDigest, err)
	}

	s.materializedBases[fields.LayerDigest] = dest
	return dest, nil
}

// sanitizeDigest replaces ":" with "_", per spec §4.I's
// "<layerDigest-with-:replaced-by-_>" destination naming.
func sanitizeDigest(d string) string {
	return strings.ReplaceAll(d, ":", "_")
}

func mediaTypeExt(mediaType string) string {
	if strings.Contains(mediaType, "+gzip") {
		return ".tar.gz"
	}
	return ".tar"
}

// copyTree recursively copies src onto dst, preserving directories,
// regular file contents and modes, and symlink targets. Used to seed a
// child materialisation destination from its already-materialised parent.
func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if err := copyTreeEntry(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyTreeEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		return copyTree(src, dst)
	default:
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}
