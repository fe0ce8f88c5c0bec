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
	"os"

	"github.com/containerd/log"

	"github.com/apple/container-diff/internal/diffkey"
	"github.com/apple/container-diff/internal/difftar"
	"github.com/apple/container-diff/internal/snapshot"
)

// Prepare ensures snap's mountpoint exists and, best-effort, warms the
// materialisation cache for its parent, per spec §4.I's prepare(snap).
func (s *Snapshotter) Prepare(ctx context.Context, snap snapshot.Snapshot) (snapshot.Snapshot, error) {
	var result snapshot.Snapshot
	var opErr error
	s.exec(func() {
		result, opErr = s.prepareLocked(ctx, snap)
	})
	return result, opErr
}

func (s *Snapshotter) prepareLocked(ctx context.Context, snap snapshot.Snapshot) (snapshot.Snapshot, error) {
	log.G(ctx).WithField("id", snap.ID).Debug("snapshotter: preparing snapshot")
	if !snap.State.CanExecute() {
		return snapshot.Snapshot{}, invalidStateErr("prepare requires a prepared snapshot")
	}
	mountpoint, _ := snap.State.Mountpoint()
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return snapshot.Snapshot{}, err
	}

	if parent, ok := s.lookupParent(snap.Parent); ok {
		switch {
		case parent.State.CanExecute():
			if pm, ok := parent.State.Mountpoint(); ok {
				s.materializedBases[parent.Digest] = pm
			}
		case parent.State.IsFinalized():
			if _, err := s.materializeLocked(ctx, parent); err != nil {
				log.G(ctx).WithError(err).WithField("parent", parent.ID).
					Warn("snapshotter: best-effort parent materialisation failed during prepare")
			}
		}
	}

	s.table[snap.ID] = snap
	log.G(ctx).WithField("id", snap.ID).Debug("snapshotter: snapshot prepared")
	return snap, nil
}

// Commit finalises snap using its own lineage parent as the differ's base,
// per spec §4.I's commit(snap).
func (s *Snapshotter) Commit(ctx context.Context, snap snapshot.Snapshot) (snapshot.Snapshot, error) {
	var result snapshot.Snapshot
	var opErr error
	s.exec(func() {
		result, opErr = s.commitLocked(ctx, snap, nil)
	})
	return result, opErr
}

// CommitWithBase finalises snap, diffing against base explicitly rather
// than snap's own lineage parent, per spec §4.I's commit(snap, base?).
func (s *Snapshotter) CommitWithBase(ctx context.Context, snap, base snapshot.Snapshot) (snapshot.Snapshot, error) {
	var result snapshot.Snapshot
	var opErr error
	s.exec(func() {
		result, opErr = s.commitLocked(ctx, snap, &base)
	})
	return result, opErr
}

func (s *Snapshotter) commitLocked(ctx context.Context, snap snapshot.Snapshot, explicitBase *snapshot.Snapshot) (snapshot.Snapshot, error) {
	log.G(ctx).WithField("id", snap.ID).Debug("snapshotter: committing snapshot")
	if !snap.State.CanExecute() {
		return snapshot.Snapshot{}, invalidStateErr("commit requires a prepared snapshot")
	}
	targetMount, _ := snap.State.Mountpoint()

	baseMount := ""
	baseDigest := ""

	if explicitBase != nil {
		baseDigest = explicitBase.Digest
		if mp, ok := explicitBase.State.Mountpoint(); ok {
			baseMount = mp
		}
		// else: not prepared, differ runs against scratch per spec §4.I.
	} else if parent, ok := s.lookupParent(snap.Parent); ok {
		baseDigest = parent.Digest
		switch {
		case parent.State.CanExecute():
			baseMount, _ = parent.State.Mountpoint()
		case parent.State.IsFinalized():
			mat, err := s.materializeLocked(ctx, parent)
			if err != nil {
				return snapshot.Snapshot{}, err
			}
			baseMount = mat
		}
	}

	diffResult, err := difftar.Diff(ctx, difftar.DiffInput{
		Store:            s.store,
		BaseMountpoint:   baseMount,
		BaseDigest:       baseDigest,
		TargetMountpoint: targetMount,
		TargetDigest:     snap.Digest,
		Format:           difftar.FormatGzip,
		Annotations:      map[string]string{},
		WalkOptions:      s.walkOptions,
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	key, err := diffkey.Compute(diffkey.ComputeInput{
		Diffs:       diffResult.Diffs,
		BaseDigest:  baseDigest,
		TargetMount: targetMount,
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	committed := snap
	committed.Size = diffResult.Descriptor.Size
	committed.State = snapshot.Committed(snapshot.CommittedParams{
		LayerDigest:    diffResult.Descriptor.Digest.String(),
		LayerSize:      diffResult.Descriptor.Size,
		LayerMediaType: diffResult.Descriptor.MediaType,
		DiffID:         diffResult.Descriptor.Annotations[difftar.AnnotationLayerDiffID],
		DiffKey:        key.String(),
	})

	s.table[committed.ID] = committed
	log.G(ctx).WithField("id", committed.ID).WithField("layerDigest", diffResult.Descriptor.Digest.String()).
		Debug("snapshotter: snapshot committed")
	return committed, nil
}

// Remove best-effort deletes snap's mountpoint if it is prepared, per spec
// §4.I's remove(snap). Removing a non-prepared snapshot is a no-op.
func (s *Snapshotter) Remove(ctx context.Context, snap snapshot.Snapshot) error {
	var opErr error
	s.exec(func() {
		opErr = s.removeLocked(ctx, snap)
	})
	return opErr
}

func (s *Snapshotter) removeLocked(ctx context.Context, snap snapshot.Snapshot) error {
	log.G(ctx).WithField("id", snap.ID).Debug("snapshotter: removing snapshot")
	if mountpoint, ok := snap.State.Mountpoint(); ok {
		if err := os.RemoveAll(mountpoint); err != nil {
			log.G(ctx).WithError(err).WithField("id", snap.ID).Warn("snapshotter: remove mountpoint failed")
		}
		delete(s.table, snap.ID)
	}
	return nil
}
