package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/types"
)

type keySet map[string]struct{}

func (s keySet) add(k string)      { s[k] = struct{}{} }
func (s keySet) remove(k string)   { delete(s, k) }
func (s keySet) has(k string) bool { _, ok := s[k]; return ok }

func (s keySet) slice() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Store holds every redundant index described in spec.md §3 plus the task,
// worker, and client entities themselves. It is not safe for concurrent use;
// see doc.go.
type Store struct {
	logger zerolog.Logger

	tasks   map[string]*types.Task
	workers map[string]*types.Worker
	clients map[string]*types.Client

	dependencies map[string]keySet // k -> static deps (never shrinks)
	dependents   map[string]keySet // k -> tasks that depend on k

	waiting     map[string]keySet // k -> deps of k not yet in memory
	waitingData map[string]keySet // k -> dependents of k not yet consumed k

	whoHas  map[string]keySet // key -> workers holding a replica
	hasWhat map[string]keySet // worker -> keys it holds

	processing  map[string]map[string]int64 // worker -> key -> expected cost
	rprocessing map[string]keySet           // key -> workers it is assigned to

	whoWants  map[string]keySet // key -> clients that want it
	wantsWhat map[string]keySet // client -> keys it wants

	unrunnable keySet
}

// New returns an empty store.
func New() *Store {
	return &Store{
		logger:       log.WithComponent("store"),
		tasks:        make(map[string]*types.Task),
		workers:      make(map[string]*types.Worker),
		clients:      make(map[string]*types.Client),
		dependencies: make(map[string]keySet),
		dependents:   make(map[string]keySet),
		waiting:      make(map[string]keySet),
		waitingData:  make(map[string]keySet),
		whoHas:       make(map[string]keySet),
		hasWhat:      make(map[string]keySet),
		processing:   make(map[string]map[string]int64),
		rprocessing:  make(map[string]keySet),
		whoWants:     make(map[string]keySet),
		wantsWhat:    make(map[string]keySet),
		unrunnable:   make(keySet),
	}
}

func (s *Store) ensureDependencySets(k string) {
	if s.dependencies[k] == nil {
		s.dependencies[k] = make(keySet)
	}
	if s.dependents[k] == nil {
		s.dependents[k] = make(keySet)
	}
	if s.waiting[k] == nil {
		s.waiting[k] = make(keySet)
	}
	if s.waitingData[k] == nil {
		s.waitingData[k] = make(keySet)
	}
	if s.whoHas[k] == nil {
		s.whoHas[k] = make(keySet)
	}
	if s.rprocessing[k] == nil {
		s.rprocessing[k] = make(keySet)
	}
	if s.whoWants[k] == nil {
		s.whoWants[k] = make(keySet)
	}
}

// Task returns the task for key, or nil if unknown.
func (s *Store) Task(key string) *types.Task { return s.tasks[key] }

// reachableFrom reports whether target is reachable from start by walking
// dependents edges (i.e. whether start is a transitive ancestor of target).
func (s *Store) reachableFrom(start, target string) bool {
	if start == target {
		return true
	}
	visited := make(keySet)
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited.has(cur) {
			continue
		}
		visited.add(cur)
		for d := range s.dependents[cur] {
			if d == target {
				return true
			}
			queue = append(queue, d)
		}
	}
	return false
}

// AddTask implements add_task (spec §4.1/§4.2). Submitting the same key
// twice is idempotent: the existing task is returned and wantingClient (if
// non-empty) is merged into who_wants/wants_what.
func (s *Store) AddTask(key string, payload []byte, deps []string, priority types.Priority, restrictions []string, loose bool, wantingClient string) (*types.Task, error) {
	if existing, ok := s.tasks[key]; ok {
		if wantingClient != "" {
			s.addWant(key, wantingClient)
		}
		return existing, nil
	}

	for _, d := range deps {
		if s.reachableFrom(key, d) {
			return nil, fmt.Errorf("add_task %s: cyclic dependency via %s", key, d)
		}
	}

	task := types.NewTask(key, payload, priority)
	task.LooseRestriction = loose
	if len(restrictions) > 0 {
		task.Restrictions = make(map[string]struct{}, len(restrictions))
		for _, r := range restrictions {
			task.Restrictions[r] = struct{}{}
		}
	}
	s.tasks[key] = task
	s.ensureDependencySets(key)

	for _, d := range deps {
		s.ensureDependencySets(d)
		s.dependencies[key].add(d)
		s.dependents[d].add(key)
		// d's data must stay resident until key itself finishes and
		// consumes it, regardless of whether d was already in memory when
		// key was submitted (spec §4.5 "re-schedule ... if still needed").
		s.waitingData[d].add(key)
		if dt, ok := s.tasks[d]; !ok || dt.State != types.TaskMemory {
			s.waiting[key].add(d)
		}
	}

	if wantingClient != "" {
		s.addWant(key, wantingClient)
	}

	s.logger.Debug().Str("task_key", key).Int("deps", len(deps)).Msg("task added")
	return task, nil
}

func (s *Store) addWant(key, clientID string) {
	s.ensureDependencySets(key)
	if s.clients[clientID] == nil {
		s.clients[clientID] = &types.Client{ID: clientID}
	}
	if s.wantsWhat[clientID] == nil {
		s.wantsWhat[clientID] = make(keySet)
	}
	s.whoWants[key].add(clientID)
	s.wantsWhat[clientID].add(key)
}

// IsReady reports whether key has no unresolved dependencies (the ready /
// stacks pseudo-state of spec §4.2).
func (s *Store) IsReady(key string) bool {
	w, ok := s.waiting[key]
	return ok && len(w) == 0
}

// RemoveTask implements remove_task; only legal from released, erred, or
// memory with no remaining holders.
func (s *Store) RemoveTask(key string) error {
	t, ok := s.tasks[key]
	if !ok {
		return fmt.Errorf("remove_task %s: unknown", key)
	}
	switch t.State {
	case types.TaskReleased, types.TaskErred:
	case types.TaskMemory:
		if len(s.whoHas[key]) > 0 {
			return fmt.Errorf("remove_task %s: still has holders", key)
		}
	default:
		return fmt.Errorf("remove_task %s: illegal from state %s", key, t.State)
	}

	delete(s.tasks, key)
	delete(s.dependencies, key)
	delete(s.dependents, key)
	delete(s.waiting, key)
	delete(s.waitingData, key)
	delete(s.whoHas, key)
	delete(s.rprocessing, key)
	delete(s.whoWants, key)
	delete(s.unrunnable, key)
	return nil
}

// RecordProcessing implements the waiting/no-worker -> processing transition:
// the dispatcher has assigned key to worker w with the given expected cost.
func (s *Store) RecordProcessing(key, worker string, cost int64) error {
	t, ok := s.tasks[key]
	if !ok {
		return fmt.Errorf("record_processing %s: unknown task", key)
	}
	if _, ok := s.workers[worker]; !ok {
		return fmt.Errorf("record_processing %s: unknown worker %s", key, worker)
	}
	t.State = types.TaskProcessing
	t.TransitionedAt = time.Now()
	if s.processing[worker] == nil {
		s.processing[worker] = make(map[string]int64)
	}
	s.processing[worker][key] = cost
	s.ensureDependencySets(key)
	s.rprocessing[key].add(worker)
	delete(s.unrunnable, key)
	return nil
}

// RecordNoWorker implements the waiting -> no-worker transition: the
// dispatcher found no worker satisfying key's restrictions.
func (s *Store) RecordNoWorker(key string) error {
	t, ok := s.tasks[key]
	if !ok {
		return fmt.Errorf("record_no_worker %s: unknown task", key)
	}
	t.State = types.TaskNoWorker
	t.TransitionedAt = time.Now()
	s.unrunnable.add(key)
	return nil
}

// Released pairs a key that transitioned to released with the workers that
// held (or were processing) a replica and should be told to drop it.
type Released struct {
	Key           string
	NotifyWorkers []string
}

// MemoryResult carries the follow-on work a caller must perform after a
// processing -> memory transition: tasks newly ready for dispatch, and
// tasks released as a side effect of dependency bookkeeping.
type MemoryResult struct {
	NewlyReady    []string
	Released      []Released
	WantingClient []string
}

// RecordMemory implements the processing -> memory transition (spec §4.2).
// A late task-finished for a key that has already been released or erred
// (e.g. the client cancelled it mid-flight) is ignored per spec §5.
func (s *Store) RecordMemory(key, worker string, nbytes int64) (*MemoryResult, error) {
	t, ok := s.tasks[key]
	if !ok {
		return nil, fmt.Errorf("record_memory %s: unknown task", key)
	}
	if t.State == types.TaskReleased || t.State == types.TaskErred {
		return &MemoryResult{}, nil
	}

	t.State = types.TaskMemory
	t.NBytes = nbytes
	t.TransitionedAt = time.Now()

	s.ensureDependencySets(key)
	s.whoHas[key].add(worker)
	if s.hasWhat[worker] == nil {
		s.hasWhat[worker] = make(keySet)
	}
	s.hasWhat[worker].add(key)

	if procs := s.processing[worker]; procs != nil {
		delete(procs, key)
	}
	delete(s.rprocessing[key], worker)

	res := &MemoryResult{WantingClient: s.whoWants[key].slice()}

	for d := range s.dependents[key] {
		if s.waiting[d] == nil {
			continue
		}
		s.waiting[d].remove(key)
		if len(s.waiting[d]) == 0 && s.tasks[d] != nil && s.tasks[d].State == types.TaskWaiting {
			res.NewlyReady = append(res.NewlyReady, d)
		}
	}

	for p := range s.dependencies[key] {
		if s.waitingData[p] == nil {
			continue
		}
		s.waitingData[p].remove(key)
		if s.releaseEligible(p) {
			if holders, err := s.RecordReleased(p); err == nil {
				res.Released = append(res.Released, Released{Key: p, NotifyWorkers: holders})
			}
		}
	}

	return res, nil
}

// releaseEligible implements invariant 6: a memory task with no pending
// dependents-waiting-on-its-data and no client interest is eligible for
// release.
func (s *Store) releaseEligible(key string) bool {
	t, ok := s.tasks[key]
	if !ok || t.State != types.TaskMemory {
		return false
	}
	return len(s.waitingData[key]) == 0 && len(s.whoWants[key]) == 0
}

// RecordReleased implements the memory -> released transition. Returns the
// set of workers that should be asked (best-effort) to drop the replica.
func (s *Store) RecordReleased(key string) ([]string, error) {
	t, ok := s.tasks[key]
	if !ok {
		return nil, fmt.Errorf("record_released %s: unknown task", key)
	}
	holders := s.whoHas[key].slice()
	for w := range s.whoHas[key] {
		if s.hasWhat[w] != nil {
			s.hasWhat[w].remove(key)
		}
	}
	s.whoHas[key] = make(keySet)
	t.State = types.TaskReleased
	t.TransitionedAt = time.Now()
	delete(s.unrunnable, key)
	return holders, nil
}

// cancelUnwanted implements the any -> released transition for a task that
// never reached memory (spec §5 "Cancellation": a processing, waiting, or
// no-worker task with no remaining client interest and no live dependent is
// released outright, cancelling any in-flight computation). "Live
// dependent" is tracked via waitingData rather than the raw dependents
// structural edge set: dependents never shrinks once a dependent is added,
// while waitingData drops a dependent as soon as it stops needing key's
// data, whether by consuming it (RecordMemory) or by being cancelled itself
// (cascadeReleaseDependencies) -- using the structural set here would make
// a task with any dependent, however long released, permanently
// unreleasable. Returns the workers currently processing key, to be sent a
// best-effort release so a late task-finished for it is ignored
// (RecordMemory already does this).
func (s *Store) cancelUnwanted(key string) (cancelled bool, notifyWorkers []string) {
	t, ok := s.tasks[key]
	if !ok {
		return false, nil
	}
	switch t.State {
	case types.TaskMemory, types.TaskReleased, types.TaskErred:
		return false, nil
	}
	if len(s.whoWants[key]) > 0 || len(s.waitingData[key]) > 0 {
		return false, nil
	}
	notifyWorkers = s.rprocessing[key].slice()
	s.clearFromProcessingIndices(key)
	s.unrunnable.remove(key)
	t.State = types.TaskReleased
	t.TransitionedAt = time.Now()
	return true, notifyWorkers
}

// ErredKey pairs a key that RecordErred moved to erred with its blame root.
type ErredKey struct {
	Key   string
	Blame string
}

// RecordErred implements the processing -> erred transition (the worker
// reported an exception) and propagates blame through every transitive
// dependent (spec §4.5 "blame closure"). Returns the full set of keys
// (including key itself) that are now erred as a result, each paired with
// its blame root, so the caller can notify interested clients.
func (s *Store) RecordErred(key, exception, traceback string) []ErredKey {
	root := s.tasks[key]
	if root == nil {
		return nil
	}
	root.State = types.TaskErred
	root.Exception = exception
	root.Traceback = traceback
	root.ExceptionBlame = key
	root.TransitionedAt = time.Now()
	s.clearFromProcessingIndices(key)

	result := []ErredKey{{Key: key, Blame: key}}
	visited := keySet{key: struct{}{}}
	queue := s.dependents[key].slice()
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if visited.has(d) {
			continue
		}
		visited.add(d)
		dt := s.tasks[d]
		if dt == nil {
			continue
		}
		if dt.State != types.TaskErred {
			dt.State = types.TaskErred
			dt.ExceptionBlame = key
			dt.TransitionedAt = time.Now()
			s.clearFromProcessingIndices(d)
			result = append(result, ErredKey{Key: d, Blame: key})
		}
		queue = append(queue, s.dependents[d].slice()...)
	}
	return result
}

func (s *Store) clearFromProcessingIndices(key string) {
	for w := range s.rprocessing[key] {
		if procs := s.processing[w]; procs != nil {
			delete(procs, key)
		}
	}
	s.rprocessing[key] = make(keySet)
}

// IncrementSuspicion implements suspicion counting (spec §3 invariant 7,
// §4.5). It returns true if the task has reached SuspicionLimit and must be
// erred rather than re-dispatched.
func (s *Store) IncrementSuspicion(key string) (poisoned bool) {
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.SuspicionCount++
	return t.SuspicionCount >= types.SuspicionLimit
}

// RevertToWaiting implements the processing -> waiting transition on worker
// loss: the task is removed from the lost worker's indices and returned to
// waiting for re-dispatch. It does not check suspicion; the caller decides
// beforehand whether the task is erred instead.
func (s *Store) RevertToWaiting(key string) {
	t, ok := s.tasks[key]
	if !ok {
		return
	}
	s.clearFromProcessingIndices(key)
	t.State = types.TaskWaiting
	t.TransitionedAt = time.Now()
}

// AddWorker implements add_worker.
func (s *Store) AddWorker(addr, hostname string, ncores int) *types.Worker {
	w := types.NewWorker(addr, hostname, ncores)
	s.workers[addr] = w
	s.hasWhat[addr] = make(keySet)
	s.processing[addr] = make(map[string]int64)
	return w
}

// Worker returns the worker for addr, or nil.
func (s *Store) Worker(addr string) *types.Worker { return s.workers[addr] }

// Client returns the client for id, or nil if it has never submitted a
// graph or been registered.
func (s *Store) Client(id string) *types.Client { return s.clients[id] }

// Workers returns every known worker.
func (s *Store) Workers() []*types.Worker {
	out := make([]*types.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// Tasks returns every task currently known to the store, in no particular
// order. Intended for diagnostics (skeind dump-state), never for the hot
// dispatch path.
func (s *Store) Tasks() []*types.Task {
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Touch records a heartbeat from addr.
func (s *Store) Touch(addr string) {
	if w, ok := s.workers[addr]; ok {
		w.LastHeartbeat = time.Now()
	}
}

// WorkerLossResult carries the keys a caller (pkg/failure) must act on after
// remove_worker clears the store's worker-indexed entries.
type WorkerLossResult struct {
	WasProcessing []string // keys that were assigned to this worker
	WasResident   []string // keys this worker held a replica of
}

// RemoveWorker implements remove_worker: it snapshots the affected keys,
// clears every index entry keyed by addr, and returns the snapshot for the
// Failure Manager to act on (re-dispatch, suspicion, recompute).
func (s *Store) RemoveWorker(addr string) *WorkerLossResult {
	res := &WorkerLossResult{}
	if procs, ok := s.processing[addr]; ok {
		for k := range procs {
			res.WasProcessing = append(res.WasProcessing, k)
		}
	}
	if held, ok := s.hasWhat[addr]; ok {
		for k := range held {
			res.WasResident = append(res.WasResident, k)
			if s.whoHas[k] != nil {
				s.whoHas[k].remove(addr)
			}
		}
	}
	delete(s.processing, addr)
	delete(s.hasWhat, addr)
	delete(s.workers, addr)
	// Only the keys addr was actually processing can have addr in their
	// rprocessing set; walking the whole map here would cost work
	// proportional to total in-flight tasks cluster-wide rather than to
	// what this one worker held, violating invariant I6.
	for _, k := range res.WasProcessing {
		if s.rprocessing[k] != nil {
			s.rprocessing[k].remove(addr)
		}
	}
	return res
}

// RecomputeLostReplicas implements the data half of spec §4.5 "Worker
// loss": for each key that was resident on a now-removed worker, if that
// was its last replica and it is still needed (a client wants it, or some
// dependent has not yet consumed it), the task reverts to waiting so it can
// be recomputed; if nobody needs it any more it is released outright. This
// touches only the keys passed in, never the whole graph, satisfying
// invariant I6's "proportional to lost data" bound. Returns the subset that
// reverted to waiting, for the caller to re-check readiness against.
func (s *Store) RecomputeLostReplicas(keys []string) []string {
	var reverted []string
	for _, k := range keys {
		t, ok := s.tasks[k]
		if !ok || t.State != types.TaskMemory || len(s.whoHas[k]) > 0 {
			continue
		}
		if len(s.whoWants[k]) == 0 && len(s.waitingData[k]) == 0 {
			s.RecordReleased(k)
			continue
		}
		t.State = types.TaskWaiting
		t.TransitionedAt = time.Now()
		reverted = append(reverted, k)
	}
	for _, k := range reverted {
		s.ensureDependencySets(k)
		s.waiting[k] = make(keySet)
		for d := range s.dependencies[k] {
			if dt := s.tasks[d]; dt == nil || dt.State != types.TaskMemory {
				s.waiting[k].add(d)
			}
		}
	}
	return reverted
}

// AddReplica implements add-keys: a worker reports it already holds a
// replica of key, e.g. after a gather. Unlike RecordMemory this never
// touches the task's state or runs the dependent/release cascade -- it is
// pure who_has/has_what bookkeeping for a key that may already be in
// memory on other workers, and must not be routed through the
// processing -> memory transition.
func (s *Store) AddReplica(key, worker string) {
	s.ensureDependencySets(key)
	s.whoHas[key].add(worker)
	if s.hasWhat[worker] == nil {
		s.hasWhat[worker] = make(keySet)
	}
	s.hasWhat[worker].add(key)
}

// RemoveReplica implements missing-data: worker reports it no longer holds
// a replica of key (e.g. local eviction). Drops both index directions and
// reports whether key now has no replicas left anywhere, so the caller
// knows whether a recompute is needed.
func (s *Store) RemoveReplica(key, worker string) (noReplicasLeft bool) {
	if s.whoHas[key] != nil {
		s.whoHas[key].remove(worker)
	}
	if s.hasWhat[worker] != nil {
		s.hasWhat[worker].remove(key)
	}
	return len(s.whoHas[key]) == 0
}

// AddClient implements add_client.
func (s *Store) AddClient(id string) *types.Client {
	if c, ok := s.clients[id]; ok {
		return c
	}
	c := &types.Client{ID: id}
	s.clients[id] = c
	s.wantsWhat[id] = make(keySet)
	return c
}

// RemoveClient implements remove_client: drops the client's interest in
// every key it wanted and returns the keys now eligible for release.
func (s *Store) RemoveClient(id string) []Released {
	wanted := s.wantsWhat[id].slice()
	delete(s.wantsWhat, id)
	delete(s.clients, id)
	var released []Released
	for _, k := range wanted {
		if s.whoWants[k] != nil {
			s.whoWants[k].remove(id)
		}
		released = append(released, s.releaseIfUnwanted(k)...)
	}
	return released
}

// ClientReleasesKeys implements client-releases-keys (spec §5 cancellation):
// drops interest in the given keys and returns those that became eligible
// for release as a result, including cancellation of a still-processing
// task (its owning workers are returned in NotifyWorkers so the caller can
// send them a best-effort release).
func (s *Store) ClientReleasesKeys(clientID string, keys []string) []Released {
	var released []Released
	for _, k := range keys {
		if s.whoWants[k] != nil {
			s.whoWants[k].remove(clientID)
		}
		if s.wantsWhat[clientID] != nil {
			s.wantsWhat[clientID].remove(k)
		}
		released = append(released, s.releaseIfUnwanted(k)...)
	}
	return released
}

// releaseIfUnwanted releases k if dropping interest in it just made it
// eligible, whether it was sitting in memory or still processing/waiting.
// Cancelling a task that never reached memory means its own RecordMemory
// cascade (which would normally free its dependencies once consumed) never
// ran, so cancellation here additionally cascades up the dependency chain
// (spec §8 scenario 5: a client disconnecting mid-computation drains every
// still-processing ancestor of the key it wanted, not just that key).
func (s *Store) releaseIfUnwanted(k string) []Released {
	if s.releaseEligible(k) {
		if holders, err := s.RecordReleased(k); err == nil {
			return []Released{{Key: k, NotifyWorkers: holders}}
		}
		return nil
	}
	if cancelled, workers := s.cancelUnwanted(k); cancelled {
		out := []Released{{Key: k, NotifyWorkers: workers}}
		out = append(out, s.cascadeReleaseDependencies(k)...)
		return out
	}
	return nil
}

// cascadeReleaseDependencies is called after k is cancelled without ever
// reaching memory: k can no longer consume any of its dependencies' data,
// so each one loses k as a waiter and is itself re-evaluated for release,
// continuing up the graph for any that become eligible in turn.
func (s *Store) cascadeReleaseDependencies(k string) []Released {
	var out []Released
	for p := range s.dependencies[k] {
		if s.waitingData[p] != nil {
			s.waitingData[p].remove(k)
		}
		out = append(out, s.releaseIfUnwanted(p)...)
	}
	return out
}

// DesiredBy returns the clients currently wanting key.
func (s *Store) DesiredBy(key string) []string { return s.whoWants[key].slice() }

// Replicas returns the workers currently holding key in memory.
func (s *Store) Replicas(key string) []string { return s.whoHas[key].slice() }

// Dependencies returns the static dependency set of key.
func (s *Store) Dependencies(key string) []string { return s.dependencies[key].slice() }

// Dependents returns the static dependent set of key.
func (s *Store) Dependents(key string) []string { return s.dependents[key].slice() }

// ProcessingLoad returns the number of tasks currently assigned to worker.
func (s *Store) ProcessingLoad(worker string) int { return len(s.processing[worker]) }

// ProcessingKeys returns the keys currently assigned to worker.
func (s *Store) ProcessingKeys(worker string) []string {
	procs := s.processing[worker]
	out := make([]string, 0, len(procs))
	for k := range procs {
		out = append(out, k)
	}
	return out
}

// Unrunnable returns the keys currently parked because no worker satisfies
// their restrictions.
func (s *Store) Unrunnable() []string { return s.unrunnable.slice() }

// CheckInvariants verifies the structural invariants of spec.md §3/§8: I1
// (dependencies/dependents transpose), the who_has/has_what half of I2 (the
// processing and who_wants pairs are not checked), I3 as "no waiting task
// still waits on a dependency already in memory", and I4. It is called only
// from tests; no mutating method calls it.
func (s *Store) CheckInvariants() error {
	for k, deps := range s.dependencies {
		for d := range deps {
			if !s.dependents[d].has(k) {
				return fmt.Errorf("I1 violated: %s in dependencies[%s] but %s not in dependents[%s]", d, k, k, d)
			}
		}
	}
	for k, dts := range s.dependents {
		for d := range dts {
			if !s.dependencies[d].has(k) {
				return fmt.Errorf("I1 violated: %s in dependents[%s] but %s not in dependencies[%s]", d, k, k, d)
			}
		}
	}
	for k, workers := range s.whoHas {
		for w := range workers {
			if !s.hasWhat[w].has(k) {
				return fmt.Errorf("I2 violated: who_has[%s] has %s but has_what[%s] lacks %s", k, w, w, k)
			}
		}
	}
	for w, keys := range s.hasWhat {
		for k := range keys {
			if !s.whoHas[k].has(w) {
				return fmt.Errorf("I2 violated: has_what[%s] has %s but who_has[%s] lacks %s", w, k, k, w)
			}
		}
	}
	for k, t := range s.tasks {
		if t.State == types.TaskWaiting {
			for d := range s.waiting[k] {
				if dt := s.tasks[d]; dt != nil && dt.State == types.TaskMemory {
					return fmt.Errorf("I3 violated: %s waits on %s which is already in memory", k, d)
				}
			}
		}
		if t.State == types.TaskMemory && len(s.whoHas[k]) == 0 {
			return fmt.Errorf("I4 violated: %s in memory with no replicas", k)
		}
	}
	return nil
}
