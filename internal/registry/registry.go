// Package registry tracks every marking job from intake to terminal outcome.
//
// The table is owned by a single goroutine and accessed through request
// messages, so concurrent workers can never race on an entry; callers only
// ever see value snapshots.
package registry

import (
	"time"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
)

// Status enumerates the job lifecycle. Transitions are monotone:
// Queued -> Processing -> Completed | Failed. Terminal jobs never reopen.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one unit of marking work. StartedAt is set exactly
// once when the job leaves Queued; CompletedAt exactly once when it reaches
// a terminal state. Error is populated iff the job Failed.
type Job struct {
	ID           string
	SubmissionID string
	Status       Status
	Error        string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

type registerReq struct {
	jobID        string
	submissionID string
	done         chan struct{}
}

type updateReq struct {
	jobID  string
	status Status
	detail string
	done   chan struct{}
}

type getReq struct {
	jobID string
	reply chan getResp
}

type getResp struct {
	job Job
	ok  bool
}

type listReq struct {
	filter []Status
	reply  chan []Job
}

// Registry is the in-process authoritative record of job state. Durable
// storage is an external collaborator; this table is a fast cache that must
// always answer with a definite state for any job it has seen.
type Registry struct {
	logger logging.Printer
	clock  func() time.Time

	registerCh chan registerReq
	updateCh   chan updateReq
	getCh      chan getReq
	listCh     chan listReq
	quitCh     chan chan struct{}
}

// Option customizes registry construction.
type Option func(*Registry)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Printer) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New starts the owning goroutine and returns the registry handle.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:     logging.Nop{},
		clock:      func() time.Time { return time.Now().UTC() },
		registerCh: make(chan registerReq),
		updateCh:   make(chan updateReq),
		getCh:      make(chan getReq),
		listCh:     make(chan listReq),
		quitCh:     make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Close stops the owning goroutine. Pending calls complete first.
func (r *Registry) Close() {
	done := make(chan struct{})
	r.quitCh <- done
	<-done
}

// Register records a freshly submitted job in the Queued state. Registering
// an id twice is a logged no-op; job ids are caller-opaque and unique.
func (r *Registry) Register(jobID, submissionID string) {
	req := registerReq{jobID: jobID, submissionID: submissionID, done: make(chan struct{})}
	r.registerCh <- req
	<-req.done
}

// UpdateStatus moves a job along its lifecycle. Unknown ids and transitions
// out of a terminal state are rejected with a logged warning rather than an
// error; callers must not treat the silence as success and should read the
// job back if they care.
func (r *Registry) UpdateStatus(jobID string, status Status, detail string) {
	req := updateReq{jobID: jobID, status: status, detail: detail, done: make(chan struct{})}
	r.updateCh <- req
	<-req.done
}

// Get returns a snapshot of the job, and whether it exists.
func (r *Registry) Get(jobID string) (Job, bool) {
	req := getReq{jobID: jobID, reply: make(chan getResp, 1)}
	r.getCh <- req
	resp := <-req.reply
	return resp.job, resp.ok
}

// List returns snapshots of all jobs matching any of the given statuses,
// or every job when no filter is supplied, ordered by creation time.
func (r *Registry) List(filter ...Status) []Job {
	req := listReq{filter: filter, reply: make(chan []Job, 1)}
	r.listCh <- req
	return <-req.reply
}

func (r *Registry) loop() {
	jobs := make(map[string]*Job)
	var order []string

	for {
		select {
		case req := <-r.registerCh:
			if _, exists := jobs[req.jobID]; exists {
				r.logger.Printf("registry: duplicate register for job %s ignored", req.jobID)
			} else {
				jobs[req.jobID] = &Job{
					ID:           req.jobID,
					SubmissionID: req.submissionID,
					Status:       StatusQueued,
					CreatedAt:    r.clock(),
				}
				order = append(order, req.jobID)
			}
			close(req.done)

		case req := <-r.updateCh:
			r.applyUpdate(jobs, req)
			close(req.done)

		case req := <-r.getCh:
			job, ok := jobs[req.jobID]
			if ok {
				req.reply <- getResp{job: *job, ok: true}
			} else {
				req.reply <- getResp{}
			}

		case req := <-r.listCh:
			var out []Job
			for _, id := range order {
				job := jobs[id]
				if len(req.filter) == 0 || matches(job.Status, req.filter) {
					out = append(out, *job)
				}
			}
			req.reply <- out

		case done := <-r.quitCh:
			close(done)
			return
		}
	}
}

func (r *Registry) applyUpdate(jobs map[string]*Job, req updateReq) {
	job, ok := jobs[req.jobID]
	if !ok {
		r.logger.Printf("registry: update for unknown job %s dropped", req.jobID)
		return
	}
	if job.Status.Terminal() {
		// A slow worker finishing after a timeout already failed the job
		// lands here. The first terminal outcome wins.
		r.logger.Printf("registry: job %s is already %s; late update to %s rejected", req.jobID, job.Status, req.status)
		return
	}
	switch req.status {
	case StatusProcessing:
		if job.Status != StatusQueued {
			r.logger.Printf("registry: job %s cannot move %s -> %s", req.jobID, job.Status, req.status)
			return
		}
		job.Status = StatusProcessing
		job.StartedAt = r.clock()
	case StatusCompleted, StatusFailed:
		job.Status = req.status
		job.CompletedAt = r.clock()
		if req.status == StatusFailed {
			job.Error = req.detail
		}
	case StatusQueued:
		r.logger.Printf("registry: job %s cannot return to queued", req.jobID)
	default:
		r.logger.Printf("registry: unknown status %q for job %s", req.status, req.jobID)
	}
}

func matches(s Status, filter []Status) bool {
	for _, f := range filter {
		if s == f {
			return true
		}
	}
	return false
}
