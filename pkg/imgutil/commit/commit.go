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

// Package commit assembles a new OCI image manifest and config on top of a
// committed snapshot layer. It is the worked example of driving
// internal/snapshotter and internal/contentstore end to end: diff a working
// snapshot against its lineage parent, fold the resulting layer into a new
// image config, and ingest the manifest/config pair into the content store.
package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/distribution/reference"
	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apple/container-diff/internal/contentstore"
	"github.com/apple/container-diff/internal/snapshot"
	"github.com/apple/container-diff/internal/snapshotter"
)

// Changes carries the image config fields a commit may override, per the
// teacher's own commit.Changes shape.
type Changes struct {
	CMD, Entrypoint []string
}

// Opts configures a single Commit call.
type Opts struct {
	// Ref is the name the resulting image is intended for. It is only
	// validated here (Commit does not register anything under it); naming
	// and registry push are out of this repository's scope.
	Ref       string
	Author    string
	Message   string
	CreatedBy string
	Changes   Changes
}

var (
	// emptyGZLayer is the well-known digest of an empty gzip-compressed tar
	// stream, used to flag a history entry as carrying no layer content.
	emptyGZLayer = digest.Digest("sha256:4f4fb700ef54461cfa02571ae0db9a0dc1e0cdb5577484a6d75e68dc38e8acc1")
	emptyDigest  = digest.Digest("")

	// ErrNotCommitted is returned if the snapshotter's Commit call somehow
	// returns a snapshot that isn't in the committed state.
	ErrNotCommitted = fmt.Errorf("commit: snapshotter did not return a committed snapshot: %w", errdefs.ErrFailedPrecondition)
)

// Commit diffs working against its lineage parent via sn, folds the
// resulting layer into a new image config derived from baseConfig, and
// ingests the new config and manifest into store. It mirrors the teacher's
// createDiff -> generateCommitImageConfig -> writeContentsForImage shape,
// now driven entirely by this repository's own snapshot/diff/content-store
// packages instead of a remote snapshot and diff service.
func Commit(ctx context.Context, sn *snapshotter.Snapshotter, store contentstore.Store, working snapshot.Snapshot, baseManifest ocispec.Manifest, baseConfig ocispec.Image, opts *Opts) (ocispec.Descriptor, digest.Digest, error) {
	if _, err := reference.ParseNormalizedNamed(opts.Ref); err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("commit: invalid reference %q: %w: %w", opts.Ref, errdefs.ErrInvalidArgument, err)
	}

	log.G(ctx).WithField("id", working.ID).Debug("commit: diffing working snapshot against lineage parent")
	diffLayerDesc, diffID, err := createDiff(ctx, sn, working)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("commit: failed to export layer: %w", err)
	}

	imageConfig := generateCommitImageConfig(ctx, baseConfig, diffID, opts)

	manifestDesc, configDigest, err := writeContentsForImage(ctx, store, baseManifest, imageConfig, diffLayerDesc)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("commit: failed to write image contents: %w", err)
	}

	log.G(ctx).WithField("manifest", manifestDesc.Digest).WithField("config", configDigest).
		Info("commit: produced new image manifest")
	return manifestDesc, configDigest, nil
}

// createDiff commits working through sn and translates the resulting
// committed state into a descriptor and diffID, per the teacher's
// createDiff helper.
func createDiff(ctx context.Context, sn *snapshotter.Snapshotter, working snapshot.Snapshot) (ocispec.Descriptor, digest.Digest, error) {
	committed, err := sn.Commit(ctx, working)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, err
	}

	fields, ok := committed.State.CommittedFields()
	if !ok {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("%w: %s", ErrNotCommitted, working.ID)
	}

	diffID, err := digest.Parse(fields.DiffID)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("parse diff id: %w", err)
	}

	layerDigest, err := digest.Parse(fields.LayerDigest)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("parse layer digest: %w", err)
	}

	return ocispec.Descriptor{
		MediaType: fields.LayerMediaType,
		Digest:    layerDigest,
		Size:      fields.LayerSize,
	}, diffID, nil
}

// generateCommitImageConfig returns commit oci image config based on the
// container's base image config, per the teacher's
// generateCommitImageConfig.
func generateCommitImageConfig(ctx context.Context, baseConfig ocispec.Image, diffID digest.Digest, opts *Opts) ocispec.Image {
	if opts.Changes.CMD != nil {
		baseConfig.Config.Cmd = opts.Changes.CMD
	}
	if opts.Changes.Entrypoint != nil {
		baseConfig.Config.Entrypoint = opts.Changes.Entrypoint
	}

	author := opts.Author
	if author == "" {
		author = baseConfig.Author
	}

	createdTime := time.Now()
	arch := baseConfig.Architecture
	if arch == "" {
		arch = runtime.GOARCH
		log.G(ctx).Warnf("assuming arch=%q", arch)
	}
	goos := baseConfig.OS
	if goos == "" {
		goos = runtime.GOOS
		log.G(ctx).Warnf("assuming os=%q", goos)
	}
	log.G(ctx).Debugf("generateCommitImageConfig(): arch=%q, os=%q", arch, goos)

	diffIDs := make([]digest.Digest, len(baseConfig.RootFS.DiffIDs), len(baseConfig.RootFS.DiffIDs)+1)
	copy(diffIDs, baseConfig.RootFS.DiffIDs)
	diffIDs = append(diffIDs, diffID)

	history := make([]ocispec.History, len(baseConfig.History), len(baseConfig.History)+1)
	copy(history, baseConfig.History)
	history = append(history, ocispec.History{
		Created:    &createdTime,
		CreatedBy:  opts.CreatedBy,
		Author:     author,
		Comment:    opts.Message,
		EmptyLayer: diffID == emptyGZLayer,
	})

	return ocispec.Image{
		Platform: ocispec.Platform{
			Architecture: arch,
			OS:           goos,
		},
		Created: &createdTime,
		Author:  author,
		Config:  baseConfig.Config,
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		History: history,
	}
}

// writeContentsForImage ingests the new image config and manifest into
// store, per the teacher's writeContentsForImage.
func writeContentsForImage(ctx context.Context, store contentstore.Store, baseManifest ocispec.Manifest, newConfig ocispec.Image, diffLayerDesc ocispec.Descriptor) (ocispec.Descriptor, digest.Digest, error) {
	newConfigJSON, err := json.Marshal(newConfig)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, err
	}

	configDigest, err := ingestBlob(ctx, store, newConfigJSON)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("ingest config: %w", err)
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    configDigest,
		Size:      int64(len(newConfigJSON)),
	}

	layers := make([]ocispec.Descriptor, len(baseManifest.Layers), len(baseManifest.Layers)+1)
	copy(layers, baseManifest.Layers)
	layers = append(layers, diffLayerDesc)

	newMfst := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layers,
	}

	newMfstJSON, err := json.MarshalIndent(newMfst, "", "    ")
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, err
	}

	manifestDigest, err := ingestBlob(ctx, store, newMfstJSON)
	if err != nil {
		return ocispec.Descriptor{}, emptyDigest, fmt.Errorf("ingest manifest: %w", err)
	}

	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    manifestDigest,
		Size:      int64(len(newMfstJSON)),
	}, configDigest, nil
}

// ingestBlob writes data into a fresh ingest session and returns its
// digest, per the content store's session contract (internal/contentstore).
func ingestBlob(ctx context.Context, store contentstore.Store, data []byte) (digest.Digest, error) {
	sessionID, dir, err := store.NewIngestSession(ctx)
	if err != nil {
		return emptyDigest, err
	}

	succeeded := false
	defer func() {
		if !succeeded {
			if cerr := store.CancelIngestSession(ctx, sessionID); cerr != nil {
				log.G(ctx).WithError(cerr).Warn("commit: cancel ingest session")
			}
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, "blob"), data, 0o644); err != nil {
		return emptyDigest, err
	}

	digests, err := store.CompleteIngestSession(ctx, sessionID)
	if err != nil {
		return emptyDigest, err
	}
	if len(digests) == 0 {
		return emptyDigest, fmt.Errorf("ingest session produced no digest")
	}
	succeeded = true
	return digests[0], nil
}
