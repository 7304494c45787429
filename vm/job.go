package vm

import "errors"

// ---------------------------------------------------------------------------
// Job queue
// ---------------------------------------------------------------------------

// ErrJobQueueFull reports an EnqueueJob call against a queue at its
// configured limit.
var ErrJobQueueFull = errors.New("vm: job queue full")

// queuedJob is one pending callback. The job owns references on the
// context, the callable and every argument until it runs or the runtime
// closes.
type queuedJob struct {
	ctx  *Context
	fn   Value
	args []Value
}

// EnqueueJob appends a callback to the runtime's FIFO job queue. fn and
// args are borrowed; the queue takes its own references. Jobs do not run
// by themselves; the host drains the queue with ExecutePendingJob.
func (ctx *Context) EnqueueJob(fn Value, args []Value) error {
	rt := ctx.rt
	if rt.jobLimit > 0 && len(rt.jobs) >= rt.jobLimit {
		return ErrJobQueueFull
	}
	job := queuedJob{
		ctx: ctx.DupContext(),
		fn:  rt.DupValue(fn),
	}
	if len(args) > 0 {
		job.args = make([]Value, len(args))
		for i, a := range args {
			job.args[i] = rt.DupValue(a)
		}
	}
	rt.jobs = append(rt.jobs, job)
	return nil
}

// HasPendingJobs reports whether the queue is non-empty.
func (rt *Runtime) HasPendingJobs() bool { return len(rt.jobs) > 0 }

// ExecutePendingJob runs the oldest queued job. It returns the context
// the job ran in, or nil when the queue is empty. A throwing job leaves
// its exception pending on the returned context.
func (rt *Runtime) ExecutePendingJob() (*Context, bool) {
	if len(rt.jobs) == 0 {
		return nil, false
	}
	job := rt.jobs[0]
	rt.jobs = rt.jobs[1:]

	res := job.ctx.Call(job.fn, Undefined, job.args)
	rt.FreeValue(res)

	ctx := job.ctx
	rt.freeJob(job)
	if ctx.refCount <= 0 {
		// The job held the last reference to its realm.
		return nil, true
	}
	return ctx, true
}

// freeJob drops the queue's references. The context reference is released
// last so the values die inside a live realm.
func (rt *Runtime) freeJob(job queuedJob) {
	rt.FreeValue(job.fn)
	for _, a := range job.args {
		rt.FreeValue(a)
	}
	job.ctx.Free()
}
