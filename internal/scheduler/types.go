package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tasknova/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Workers   int
	QueueSize int
	Timezone  string // IANA TZ for cron triggers, e.g. "Asia/Kolkata"
}

// Job is a unit of work executed on the scheduler's worker pool.
type Job func(ctx context.Context) error

type task struct {
	id   string
	name string
	run  Job
}

type cronDef struct {
	name    string
	spec    string
	job     Job
	entryID cron.EntryID
}

// Service owns single-fire timers keyed by reminder id plus recurring cron
// triggers. Fired work is executed on a worker pool fully decoupled from the
// goroutines that arm timers or handle inbound requests.
//
// Armings are transient: they are reconstructible from the store at any time
// and carry no authoritative state.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	crons  []cronDef

	queue  chan task
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when workers fully exit.
	stopDone chan struct{}

	// Single-fire armings (timers are runtime; armAt/armJob are definitions
	// rebuilt into timers on Start()).
	tmu    sync.Mutex
	timers map[string]*time.Timer
	armAt  map[string]time.Time
	armJob map[string]Job
	armVer map[string]uint64

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	Armed    int
	Crons    int
}
