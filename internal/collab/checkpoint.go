package collab

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCheckpointQueue   = 256
	defaultCheckpointTimeout = 5 * time.Second
)

type checkpointJob struct {
	name   string
	run    func(ctx context.Context) error
	fields []zap.Field
}

// Checkpointer runs persistence and mirroring work off the hot path. Jobs run
// one at a time in submission order; a full queue drops the job with a warning.
type Checkpointer struct {
	jobs    chan checkpointJob
	timeout time.Duration
	logger  *zap.Logger
}

// NewCheckpointer returns a checkpointer holding at most queue pending jobs.
func NewCheckpointer(queue int, logger *zap.Logger) *Checkpointer {
	if queue <= 0 {
		queue = defaultCheckpointQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		jobs:    make(chan checkpointJob, queue),
		timeout: defaultCheckpointTimeout,
		logger:  logger,
	}
}

// Enqueue schedules run without blocking and reports whether it was queued.
func (c *Checkpointer) Enqueue(name string, run func(ctx context.Context) error, fields ...zap.Field) bool {
	job := checkpointJob{name: name, run: run, fields: fields}
	select {
	case c.jobs <- job:
		return true
	default:
		attrs := append([]zap.Field{zap.String("job", name)}, fields...)
		c.logger.Warn("checkpoint queue full, dropping job", attrs...)
		return false
	}
}

// Pending returns the number of queued jobs.
func (c *Checkpointer) Pending() int {
	return len(c.jobs)
}

// Run executes jobs until ctx is cancelled, then flushes what is still queued.
func (c *Checkpointer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case job := <-c.jobs:
			c.execute(ctx, job)
		}
	}
}

func (c *Checkpointer) flush() {
	for {
		select {
		case job := <-c.jobs:
			c.execute(context.Background(), job)
		default:
			return
		}
	}
}

func (c *Checkpointer) execute(parent context.Context, job checkpointJob) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()
	if err := job.run(ctx); err != nil {
		attrs := append([]zap.Field{zap.String("job", job.name), zap.Error(err)}, job.fields...)
		c.logger.Error("checkpoint job failed", attrs...)
	}
}
