package dispatch

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/metrics"
	"github.com/taskgraph/skein/pkg/store"
	"github.com/taskgraph/skein/pkg/types"
)

// AssumedBandwidthBytesPerSec is the bandwidth assumed when scoring the
// transfer cost of moving a dependency's data to a candidate worker (spec
// §4.3 item 2).
const AssumedBandwidthBytesPerSec = 125_000_000

// DefaultStackOccupancySlack resolves the Open Question in spec.md §9 (see
// SPEC_FULL.md §4.3.1): a newly-ready task with an affine worker is pushed
// onto that worker's stack only if its occupancy is within this many tasks
// of the least-loaded candidate.
const DefaultStackOccupancySlack = 2

// StealBuckets is the number of stealability-ratio buckets (spec §4.3 item 4).
const StealBuckets = 12

// Policy decides, for a newly-ready task with at least one affine candidate
// worker, whether that worker's stack is close enough in occupancy to the
// cluster minimum to justify the locality placement. It is the pluggable
// hook spec.md §9 calls for.
type Policy interface {
	ShouldStack(affineOccupancy, minOccupancy int) bool
}

// SlackPolicy is the default Policy, gated by an occupancy-slack constant.
type SlackPolicy struct {
	Slack int
}

func (p SlackPolicy) ShouldStack(affineOccupancy, minOccupancy int) bool {
	return affineOccupancy-minOccupancy <= p.Slack
}

// Assignment is the outcome of placing a ready task: it either goes to a
// worker now (Worker non-empty) or is parked (Unrunnable true).
type Assignment struct {
	Key        string
	Worker     string
	Cost       int64
	Unrunnable bool
}

// Dispatcher implements spec.md §4.3. It is driven entirely by calls made
// from within pkg/engine's serialized event loop; it holds no lock and
// spawns no goroutine of its own, so that even its periodic stealing pass
// is just another stimulus the single logical loop applies (a stricter
// reading of spec §5/§9 than the teacher's own mutex-guarded ticker
// goroutines, since no other component ever observes Dispatcher state
// concurrently with the loop).
type Dispatcher struct {
	store  *store.Store
	logger zerolog.Logger
	policy Policy

	ready  []string            // common FIFO deque of ready keys with no affinity
	stacks map[string][]string // worker addr -> LIFO stack of locality-affine ready keys
	idle   map[string]struct{} // workers currently without a free-slot assignment
}

// New constructs a Dispatcher over the given store.
func New(st *store.Store) *Dispatcher {
	return &Dispatcher{
		store:  st,
		logger: log.WithComponent("dispatch"),
		policy: SlackPolicy{Slack: DefaultStackOccupancySlack},
		stacks: make(map[string][]string),
		idle:   make(map[string]struct{}),
	}
}

// WithPolicy overrides the stacks/ready placement policy.
func (d *Dispatcher) WithPolicy(p Policy) *Dispatcher {
	d.policy = p
	return d
}

func (d *Dispatcher) occupancy(worker string) int {
	return d.store.ProcessingLoad(worker)
}

// candidateWorkers returns every known worker, optionally filtered to those
// satisfying key's host restrictions.
func (d *Dispatcher) candidateWorkers(t *types.Task) []*types.Worker {
	all := d.store.Workers()
	if len(t.Restrictions) == 0 {
		return all
	}
	var out []*types.Worker
	for _, w := range all {
		if _, ok := t.Restrictions[w.Hostname]; ok {
			out = append(out, w)
		}
	}
	return out
}

func (d *Dispatcher) transferCost(key, worker string) float64 {
	var total int64
	for _, dep := range d.store.Dependencies(key) {
		dt := d.store.Task(dep)
		if dt == nil {
			continue
		}
		onWorker := false
		for _, w := range d.store.Replicas(dep) {
			if w == worker {
				onWorker = true
				break
			}
		}
		if !onWorker {
			total += dt.NBytes
		}
	}
	return float64(total) / AssumedBandwidthBytesPerSec
}

// PlaceReady implements spec §4.3 item 2: decide where a task whose
// waiting[k] just became empty should go. If a worker is idle, the task is
// dispatched to it immediately (constant time, item 1's counterpart);
// otherwise it is queued on a stack or the common deque.
func (d *Dispatcher) PlaceReady(key string) *Assignment {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	t := d.store.Task(key)
	if t == nil {
		return nil
	}

	candidates := d.candidateWorkers(t)
	if len(t.Restrictions) > 0 && len(candidates) == 0 {
		return &Assignment{Key: key, Unrunnable: true}
	}
	if len(candidates) == 0 {
		d.ready = append(d.ready, key)
		return nil
	}

	if len(t.Restrictions) > 0 {
		best := minOccupancy(candidates, d.occupancy)
		if idleAddr, ok := d.popIdle(candidates); ok {
			return d.assign(key, idleAddr, t)
		}
		d.stacks[best.Address] = append(d.stacks[best.Address], key)
		return nil
	}

	affineWorker, hasAffine := d.affineWorker(key, candidates)

	// If the best locality match happens to be idle, it wins over any other
	// idle candidate: its transfer cost is lowest, so it is the true score
	// minimizer among idle workers (all tied at zero occupancy).
	if hasAffine {
		if _, idle := d.idle[affineWorker]; idle {
			delete(d.idle, affineWorker)
			return d.assign(key, affineWorker, t)
		}
	}

	if idleAddr, ok := d.popIdle(candidates); ok {
		return d.assign(key, idleAddr, t)
	}

	if hasAffine {
		minOcc := d.occupancy(minOccupancy(candidates, d.occupancy).Address)
		if d.policy.ShouldStack(d.occupancy(affineWorker), minOcc) {
			d.stacks[affineWorker] = append(d.stacks[affineWorker], key)
			return nil
		}
	}
	d.ready = append(d.ready, key)
	return nil
}

// affineWorker returns the candidate holding at least one of key's
// dependencies whose transfer cost to it is lowest -- i.e. the candidate
// already holding the most data key would otherwise need shipped to it,
// matching spec §4.3 item 2's "minimize transfer" intent for the fan-in
// case where more than one candidate already has a replica.
func (d *Dispatcher) affineWorker(key string, candidates []*types.Worker) (string, bool) {
	affine := make(map[string]struct{})
	for _, dep := range d.store.Dependencies(key) {
		for _, w := range d.store.Replicas(dep) {
			for _, c := range candidates {
				if c.Address == w {
					affine[w] = struct{}{}
				}
			}
		}
	}
	if len(affine) == 0 {
		return "", false
	}
	var best string
	bestCost := -1.0
	for w := range affine {
		if cost := d.transferCost(key, w); bestCost < 0 || cost < bestCost {
			best, bestCost = w, cost
		}
	}
	return best, true
}

func (d *Dispatcher) popIdle(candidates []*types.Worker) (string, bool) {
	for _, c := range candidates {
		if _, ok := d.idle[c.Address]; ok {
			delete(d.idle, c.Address)
			return c.Address, true
		}
	}
	return "", false
}

// assign finalizes a placement. Expected cost is a crude payload-size proxy
// in the absence of any runtime duration estimate (the payload is opaque to
// the scheduler, spec §9).
func (d *Dispatcher) assign(key, worker string, t *types.Task) *Assignment {
	cost := int64(1)
	if t != nil && len(t.Payload) > 1000 {
		cost = int64(len(t.Payload) / 1000)
	}
	metrics.TasksDispatched.Inc()
	return &Assignment{Key: key, Worker: worker, Cost: cost}
}

// FreeSlot implements spec §4.3 item 1: a worker has gone from busy to
// having a free slot (on add_worker, on a task finishing, or on
// compute-task being acknowledged). Returns the next task to send it, or
// nil if the worker should go idle.
func (d *Dispatcher) FreeSlot(worker string) *Assignment {
	if stack := d.stacks[worker]; len(stack) > 0 {
		key := stack[len(stack)-1]
		d.stacks[worker] = stack[:len(stack)-1]
		t := d.store.Task(key)
		return d.assign(key, worker, t)
	}
	if len(d.ready) > 0 {
		key := d.popReady()
		t := d.store.Task(key)
		return d.assign(key, worker, t)
	}
	d.idle[worker] = struct{}{}
	return nil
}

// popReady pops the smallest-priority key from the common ready deque
// (spec §4.3 item 3: priority as tie-break among co-ready candidates).
func (d *Dispatcher) popReady() string {
	best := 0
	for i := 1; i < len(d.ready); i++ {
		if d.priorityOf(d.ready[i]).Less(d.priorityOf(d.ready[best])) {
			best = i
		}
	}
	key := d.ready[best]
	d.ready = append(d.ready[:best], d.ready[best+1:]...)
	return key
}

func (d *Dispatcher) priorityOf(key string) types.Priority {
	if t := d.store.Task(key); t != nil {
		return t.Priority
	}
	return types.Priority{}
}

func minOccupancy(workers []*types.Worker, occ func(string) int) *types.Worker {
	best := workers[0]
	bestOcc := occ(best.Address)
	for _, w := range workers[1:] {
		if o := occ(w.Address); o < bestOcc {
			best, bestOcc = w, o
		}
	}
	return best
}

// StealCandidate is one task eligible to move from a loaded worker's stack
// to an idle one.
type StealCandidate struct {
	FromWorker string
	Key        string
	Ratio      float64 // transfer cost / compute cost; lower is more stealable
}

// StealTick implements spec §4.3 item 4: if a worker is idle while another
// has keys on its stack, move a stealable key across. Candidates are
// grouped into StealBuckets ordered-by-stealability-ratio buckets
// (SPEC_FULL.md §4.3.1's power-of-two cost-ratio boundaries) rather than
// fully sorted, so ranking a tick's candidates costs O(StealBuckets +
// len(stacks)) instead of an O(n log n) sort.
func (d *Dispatcher) StealTick() []Assignment {
	if len(d.idle) == 0 {
		return nil
	}
	var buckets [StealBuckets][]StealCandidate
	for worker, stack := range d.stacks {
		if len(stack) == 0 {
			continue
		}
		key := stack[len(stack)-1]
		ratio := d.stealRatio(key, worker)
		b := stealBucket(ratio)
		buckets[b] = append(buckets[b], StealCandidate{FromWorker: worker, Key: key, Ratio: ratio})
	}

	var moved []Assignment
	for idleAddr := range d.idle {
		c, ok := popMostStealable(&buckets)
		if !ok {
			break
		}
		stack := d.stacks[c.FromWorker]
		if len(stack) == 0 || stack[len(stack)-1] != c.Key {
			continue
		}
		d.stacks[c.FromWorker] = stack[:len(stack)-1]
		delete(d.idle, idleAddr)
		t := d.store.Task(c.Key)
		metrics.StealsTotal.Inc()
		moved = append(moved, *d.assign(c.Key, idleAddr, t))
	}
	return moved
}

// stealBucket maps a stealability ratio to one of StealBuckets buckets,
// ordered low-to-high: bucket i covers ratios in [2^(i-1), 2^i), so the
// lowest-index nonempty bucket holds the cheapest-to-steal (lowest-ratio)
// candidates, with the last bucket an overflow for anything above 2^(K-2).
func stealBucket(ratio float64) int {
	b := 0
	bound := 1.0
	for ratio >= bound && b < StealBuckets-1 {
		bound *= 2
		b++
	}
	return b
}

// popMostStealable removes and returns one candidate from the lowest
// nonempty bucket, i.e. the most stealable candidate currently queued.
func popMostStealable(buckets *[StealBuckets][]StealCandidate) (StealCandidate, bool) {
	for i := range buckets {
		bucket := buckets[i]
		if len(bucket) == 0 {
			continue
		}
		c := bucket[len(bucket)-1]
		buckets[i] = bucket[:len(bucket)-1]
		return c, true
	}
	return StealCandidate{}, false
}

func (d *Dispatcher) stealRatio(key, worker string) float64 {
	transfer := d.transferCost(key, worker)
	compute := int64(1) // opaque payload: no runtime cost estimate available pre-execution
	if compute == 0 {
		compute = 1
	}
	return float64(transfer) / float64(compute)
}

// MarkIdle records that worker currently has no assignment, for the steal
// pass and for the free-slot path after a task is removed from its queue.
func (d *Dispatcher) MarkIdle(worker string) { d.idle[worker] = struct{}{} }

// StealInterval is the default period between steal passes.
const StealInterval = 500 * time.Millisecond
