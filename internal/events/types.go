package events

import (
	"time"

	"github.com/aristath/spider/internal/ids"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	// Subject is the id of the job, task instance or worker the event is about.
	Subject() string
}

// Topic constants
const (
	TopicJob     = "job"
	TopicTask    = "task"
	TopicWorker  = "worker"
	TopicMonitor = "monitor"
)

// Event type constants
const (
	EventTypeTaskTimedOut   = "task.timed_out"
	EventTypeWorkerDead     = "worker.dead"
	EventTypeJobReset       = "job.reset"
	EventTypeJobExhausted   = "job.exhausted"
	EventTypeSweepCompleted = "monitor.sweep_completed"
)

// TaskTimedOutEvent is published when a task instance ran past its timeout
// and was failed.
type TaskTimedOutEvent struct {
	Instance  ids.TaskInstanceID
	Task      ids.TaskID
	Worker    ids.WorkerID
	StartedAt time.Time
	Timestamp time.Time
}

func (e TaskTimedOutEvent) EventType() string { return EventTypeTaskTimedOut }
func (e TaskTimedOutEvent) Subject() string   { return e.Instance.String() }

// WorkerDeadEvent is published when a worker missed its heartbeat deadline.
type WorkerDeadEvent struct {
	Worker    ids.WorkerID
	Timestamp time.Time
}

func (e WorkerDeadEvent) EventType() string { return EventTypeWorkerDead }
func (e WorkerDeadEvent) Subject() string   { return e.Worker.String() }

// JobResetEvent is published when a failed job is scheduled for another
// attempt. Attempt counts from 1 for the first retry.
type JobResetEvent struct {
	Job       ids.JobID
	Attempt   int
	LastError string
	Timestamp time.Time
}

func (e JobResetEvent) EventType() string { return EventTypeJobReset }
func (e JobResetEvent) Subject() string   { return e.Job.String() }

// JobExhaustedEvent is published once for a failed job that has used all of
// its retries.
type JobExhaustedEvent struct {
	Job       ids.JobID
	Retries   int
	LastError string
	Timestamp time.Time
}

func (e JobExhaustedEvent) EventType() string { return EventTypeJobExhausted }
func (e JobExhaustedEvent) Subject() string   { return e.Job.String() }

// SweepCompletedEvent summarizes one monitor pass.
type SweepCompletedEvent struct {
	TimedOut    int
	DeadWorkers int
	Reset       int
	Duration    time.Duration
	Timestamp   time.Time
}

func (e SweepCompletedEvent) EventType() string { return EventTypeSweepCompleted }
func (e SweepCompletedEvent) Subject() string   { return "" }
