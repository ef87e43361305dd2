package types

import "time"

// TaskState is one of the six real states a task can occupy. Two auxiliary
// pseudo-states, ready and stacks, exist only as dispatcher queue locations
// and are never stored on the Task itself.
type TaskState string

const (
	TaskReleased   TaskState = "released"
	TaskWaiting    TaskState = "waiting"
	TaskNoWorker   TaskState = "no-worker"
	TaskProcessing TaskState = "processing"
	TaskMemory     TaskState = "memory"
	TaskErred      TaskState = "erred"
)

// SuspicionLimit is the default number of worker failures a task may
// participate in before it is quarantined as poison and moved to erred.
const SuspicionLimit = 3

// Priority is a tuple used to order otherwise-equal candidates for a
// dispatch slot. Lower sorts first. Priority never preempts a running task;
// it only orders pending ones.
type Priority [2]int64

// Less reports whether p sorts before other (lexicographic tuple compare).
func (p Priority) Less(other Priority) bool {
	if p[0] != other[0] {
		return p[0] < other[0]
	}
	return p[1] < other[1]
}

// Task is a unit of computation identified by a stable, content-derived key.
// Its payload (function + args) is an opaque blob; the scheduler never
// inspects it.
type Task struct {
	Key     string
	Payload []byte
	State   TaskState

	Priority         Priority
	Restrictions     map[string]struct{} // acceptable hostnames; empty means unrestricted
	LooseRestriction bool                // permit violating restrictions when unsatisfiable

	NBytes          int64 // set on completion (processing -> memory)
	SuspicionCount  int
	Exception       string
	Traceback       string
	ExceptionBlame  string // key of the original root cause, set on blamed dependents

	CreatedAt      time.Time
	TransitionedAt time.Time
}

// NewTask constructs a task in its zero, pre-graph-insertion shape. Callers
// must still set the dependency edges in the store.
func NewTask(key string, payload []byte, priority Priority) *Task {
	now := time.Now()
	return &Task{
		Key:            key,
		Payload:        payload,
		State:          TaskWaiting,
		Priority:       priority,
		CreatedAt:      now,
		TransitionedAt: now,
	}
}

// WorkerStatus describes a worker's liveness as tracked by the scheduler.
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerIdle    WorkerStatus = "idle"
	WorkerLost    WorkerStatus = "lost"
)

// Worker is a remote process identified by its network address. It executes
// tasks and holds result data in memory.
type Worker struct {
	Address  string
	Hostname string
	NCores   int
	Status   WorkerStatus

	LastHeartbeat time.Time
}

// NewWorker constructs a worker entry as of the moment it joins.
func NewWorker(addr, hostname string, ncores int) *Worker {
	return &Worker{
		Address:       addr,
		Hostname:      hostname,
		NCores:        ncores,
		Status:        WorkerIdle,
		LastHeartbeat: time.Now(),
	}
}

// Client is an opaque submitter/consumer of task graphs.
type Client struct {
	ID string
}
