package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// unhandledJoint is a joint parked because one or more parents are not yet
// known locally.
type unhandledJoint struct {
	joint          Joint
	missingParents map[string]bool
	peer           string
	savedAt        time.Time
}

// JointIngress owns the unhandled_joints/dependencies bookkeeping: joints
// that arrived before their parents, indexed by missing-parent so arrival
// of a dependency can re-trigger everything waiting on it.
type JointIngress struct {
	log   *logrus.Logger
	store *Storage

	mu           sync.Mutex
	unhandled    map[string]*unhandledJoint // unit_id -> joint
	dependencies map[string]map[string]bool // missing parent -> set of dependent unit_ids
}

// NewJointIngress constructs an empty JointIngress bound to store.
func NewJointIngress(store *Storage) *JointIngress {
	return &JointIngress{
		log:          logrus.StandardLogger(),
		store:        store,
		unhandled:    make(map[string]*unhandledJoint),
		dependencies: make(map[string]map[string]bool),
	}
}

// SaveUnhandledJoint atomically parks joint pending its missingParents,
// via the transaction helper so a failure rolls back both the database
// rows and the in-memory "unit is known" marker — the marker is set only
// after commit succeeds.
func (ji *JointIngress) SaveUnhandledJoint(joint Joint, missingParents []string, peer string) error {
	tx := ji.store.Begin()
	row := map[string]interface{}{
		"unit": joint.Unit.UnitID, "peer": peer, "missing": missingParents,
	}
	if err := tx.AddQuery("unhandled_joints", joint.Unit.UnitID, row); err != nil {
		tx.Rollback()
		return storageErr("jointingress.SaveUnhandledJoint", "stage unhandled_joints row", err)
	}
	for _, p := range missingParents {
		if err := tx.AddQuery("dependencies", p+"#"+joint.Unit.UnitID, map[string]string{"parent": p, "dependent": joint.Unit.UnitID}); err != nil {
			tx.Rollback()
			return storageErr("jointingress.SaveUnhandledJoint", "stage dependencies row", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	ji.mu.Lock()
	defer ji.mu.Unlock()
	missing := make(map[string]bool, len(missingParents))
	for _, p := range missingParents {
		missing[p] = true
		if ji.dependencies[p] == nil {
			ji.dependencies[p] = make(map[string]bool)
		}
		ji.dependencies[p][joint.Unit.UnitID] = true
	}
	ji.unhandled[joint.Unit.UnitID] = &unhandledJoint{joint: joint, missingParents: missing, peer: peer, savedAt: time.Now()}
	return nil
}

// ResolveDependency reports every unit_id whose wait on parentUnitID is now
// satisfied, so the caller can re-drive validation for them.
func (ji *JointIngress) ResolveDependency(parentUnitID string) []Joint {
	ji.mu.Lock()
	defer ji.mu.Unlock()
	dependents := ji.dependencies[parentUnitID]
	delete(ji.dependencies, parentUnitID)
	var ready []Joint
	for unitID := range dependents {
		uj, ok := ji.unhandled[unitID]
		if !ok {
			continue
		}
		delete(uj.missingParents, parentUnitID)
		if len(uj.missingParents) == 0 {
			ready = append(ready, uj.joint)
			delete(ji.unhandled, unitID)
		}
	}
	return ready
}

// PurgeUncoveredNonserialJoints archives parked unhandled joints for which
// isCoveredByNewerWitness reports true. Candidates are taken from the
// unhandled set as they are; no sequence or descendant check is made here.
// It is capped by both iteration count and elapsed time; remaining work
// defers to the next scheduled run, and it processes in LIMIT-50 batches
// rather than unbounded recursion.
func (ji *JointIngress) PurgeUncoveredNonserialJoints(isCoveredByNewerWitness func(unitID string) bool) int {
	deadline := time.Now().Add(PurgeMaxElapsedSeconds * time.Second)
	purged := 0
	for iterations := 0; iterations < PurgeMaxIterations; iterations++ {
		if time.Now().After(deadline) {
			break
		}
		batch := ji.nextBadSequenceBatch(PurgeBatchLimit)
		if len(batch) == 0 {
			break
		}
		for _, unitID := range batch {
			if isCoveredByNewerWitness(unitID) {
				ji.archiveUnit(unitID)
				purged++
			}
		}
	}
	return purged
}

func (ji *JointIngress) nextBadSequenceBatch(limit int) []string {
	ji.mu.Lock()
	defer ji.mu.Unlock()
	var batch []string
	for unitID := range ji.unhandled {
		if len(batch) >= limit {
			break
		}
		batch = append(batch, unitID)
	}
	return batch
}

func (ji *JointIngress) archiveUnit(unitID string) {
	ji.mu.Lock()
	defer ji.mu.Unlock()
	delete(ji.unhandled, unitID)
}

// PurgeDependent walks the dependency graph breadth-first from badUnit
// (never recursively, to bound stack depth on a long dependent chain),
// marking descendants known-bad and removing them from unhandled_joints;
// onPurged is called once per purged unit.
func (ji *JointIngress) PurgeDependent(badUnit string, cause error, onPurged func(unitID string)) {
	ji.mu.Lock()
	queue := []string{badUnit}
	visited := make(map[string]bool)
	ji.mu.Unlock()

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		ji.store.MarkKnownBad(cur)

		ji.mu.Lock()
		dependents := ji.dependencies[cur]
		delete(ji.dependencies, cur)
		if _, ok := ji.unhandled[cur]; ok {
			delete(ji.unhandled, cur)
		}
		for dep := range dependents {
			queue = append(queue, dep)
		}
		ji.mu.Unlock()

		if onPurged != nil {
			onPurged(cur)
		}
	}
	ji.log.WithFields(logrus.Fields{"bad_unit": badUnit, "cause": cause}).Info("purged dependent joints")
}
