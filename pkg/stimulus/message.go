package stimulus

import "github.com/taskgraph/skein/pkg/types"

// Message operation kinds (spec.md §4.4/§6). A Message carries only the
// fields relevant to its Op; the rest are left at their zero value.
const (
	OpUpdateGraph        = "update-graph"
	OpTaskFinished       = "task-finished"
	OpTaskFailed         = "task-failed"
	OpAddWorker          = "add-worker"
	OpRemoveWorker       = "remove-worker"
	OpClientReleasesKeys = "client-releases-keys"
	OpRemoveClient       = "remove-client"
	OpAddKeys            = "add-keys"
	OpMissingData        = "missing-data"
	OpHeartbeat          = "heartbeat"
)

// TaskSpec is one task within an update-graph submission.
type TaskSpec struct {
	Key          string
	Payload      []byte
	Dependencies []string
	Priority     types.Priority
	Restrictions []string
	Loose        bool
}

// Message is the scheduler's single inbound stimulus envelope. It is
// intentionally a flat struct rather than one type per Op: the transport
// layer decodes onto it directly (see pkg/transport/codec.go) and handlers
// switch on Op.
type Message struct {
	Op string

	Client string // update-graph, client-releases-keys, remove-client
	Tasks  []TaskSpec
	Wanted []string // keys the submitting client wants

	Worker    string // task-finished, task-failed, add-keys, missing-data, heartbeat
	Key       string
	Keys      []string
	NBytes    int64
	Exception string
	Traceback string

	Address  string // add-worker, remove-worker
	Hostname string
	NCores   int
}

// Outbound is one message the scheduler emits to a single peer (spec.md
// §6). Peer is a worker address or a client ID depending on Op.
type Outbound struct {
	Peer string
	Op   string

	Key           string
	Keys          []string
	Payload       []byte
	WhoHas        map[string][]string // dependency key -> replica addresses, for compute-task
	Priority      types.Priority
	Blame         string
	Exception     string
	Traceback     string
	SourceWorkers []string
}

const (
	OutComputeTask = "compute-task"
	OutRelease     = "release"
	OutGather      = "gather"
	OutKeyDone     = "key-done"
	OutKeyErred    = "key-erred"
	OutKeyLost     = "key-lost"
)
