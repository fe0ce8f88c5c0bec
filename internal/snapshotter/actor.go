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
	"os"
	"path/filepath"

	"github.com/apple/container-diff/internal/contentstore"
	"github.com/apple/container-diff/internal/diffwalk"
	"github.com/apple/container-diff/internal/snapshot"
)

// task is one unit of serialised work submitted to the actor goroutine.
// Every field the run loop touches (table, materializedBases) is only ever
// read or written from inside run, per spec §4.I/§5's single-actor
// concurrency contract — no lock-free reads from outside.
type task struct {
	run  func()
	done chan struct{}
}

// Snapshotter is the Tar Archive Snapshotter: a serialised, single-goroutine
// actor coordinating the snapshot lifecycle (prepare/commit/remove),
// materialisation of committed ancestors, and the diff/diff-key pipeline,
// per spec §4.I.
type Snapshotter struct {
	workingRoot string
	store       contentstore.Store
	walkOptions *diffwalk.Options

	tasks chan task

	// actor-only state; never touched outside run().
	table             map[string]snapshot.Snapshot
	materializedBases map[string]string
}

// New constructs a Snapshotter rooted at workingRoot, backed by store for
// layer blobs, and starts its actor goroutine. Close stops the actor.
func New(workingRoot string, store contentstore.Store) (*Snapshotter, error) {
	if err := os.MkdirAll(filepath.Join(workingRoot, "materialized"), 0o755); err != nil {
		return nil, err
	}
	s := &Snapshotter{
		workingRoot:       workingRoot,
		store:             store,
		walkOptions:       diffwalk.DefaultOptions(),
		tasks:             make(chan task),
		table:             make(map[string]snapshot.Snapshot),
		materializedBases: make(map[string]string),
	}
	go s.run()
	return s, nil
}

func (s *Snapshotter) run() {
	for t := range s.tasks {
		t.run()
		close(t.done)
	}
}

// exec submits fn to the actor goroutine and blocks until it has run,
// serialising all state mutation through the single run loop.
func (s *Snapshotter) exec(fn func()) {
	t := task{run: fn, done: make(chan struct{})}
	s.tasks <- t
	<-t.done
}

// Close stops the actor goroutine. No further calls may be made afterward.
func (s *Snapshotter) Close() {
	close(s.tasks)
}

// Register inserts or replaces snap in the actor's internal snapshot table,
// the identifier-handle registry spec §9 calls for so that a Parent
// reference can be resolved to full lineage state without an unchecked
// back-pointer. Prepare and Commit record the snapshot they operate on in
// the same table themselves, and Remove drops a prepared snapshot from it;
// callers only need Register to seed a snapshot created outside this
// Snapshotter (e.g. restored from persistence).
func (s *Snapshotter) Register(snap snapshot.Snapshot) {
	s.exec(func() {
		s.table[snap.ID] = snap
	})
}

func (s *Snapshotter) lookupParent(p *snapshot.Parent) (snapshot.Snapshot, bool) {
	if p == nil {
		return snapshot.Snapshot{}, false
	}
	full, ok := s.table[p.ID]
	return full, ok
}
