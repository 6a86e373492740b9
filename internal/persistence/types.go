package persistence

import (
	"fmt"
	"time"

	"github.com/aristath/spider/internal/ids"
)

// JobState is the lifecycle state of a job.
type JobState int

const (
	JobRunning JobState = iota
	JobPendingRetry
	JobSucceeded
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobPendingRetry:
		return "pending_retry"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("JobState(%d)", s)
	}
}

// IsTerminal reports whether the job will not make progress on its own.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// TaskState is the lifecycle state of one task of a job.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskReady
	TaskRunning
	TaskSucceeded
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TaskState(%d)", s)
	}
}

// TaskIO is one positional task input or output. A plain value travels
// inline; a shared value is stored once and referenced by Data.
type TaskIO struct {
	Inline []byte      `json:"inline,omitempty"`
	Data   *ids.DataID `json:"data,omitempty"`
}

type (
	TaskInput  = TaskIO
	TaskOutput = TaskIO
)

// InlineValue wraps serialized value bytes.
func InlineValue(b []byte) TaskIO { return TaskIO{Inline: b} }

// DataRef references a shared value in the data store.
func DataRef(id ids.DataID) TaskIO { return TaskIO{Data: &id} }

// JobResultKind distinguishes the three answers GetJobResult can give.
type JobResultKind int

const (
	JobResultNotReady JobResultKind = iota
	JobResultOutputs
	JobResultStopped
)

// JobResult holds the graph outputs of a succeeded job, in dependency order.
// Outputs is nil unless Kind is JobResultOutputs.
type JobResult struct {
	Kind    JobResultKind
	Outputs []TaskOutput
}

// Data is a shared value with its persistence flag.
type Data struct {
	ID        ids.DataID
	Value     []byte
	Persisted bool
}

type ownerKind int

const (
	ownerResourceGroup ownerKind = iota + 1
	ownerJob
)

// DataOwner holds references on shared data: either a resource group or a
// job. Data is deleted when its last owner releases it.
type DataOwner struct {
	kind ownerKind
	rg   ids.ResourceGroupID
	job  ids.SignedJobID
}

// ResourceGroupOwner scopes data to a resource group.
func ResourceGroupOwner(rg ids.ResourceGroupID) DataOwner {
	return DataOwner{kind: ownerResourceGroup, rg: rg}
}

// JobOwner scopes data to a single job.
func JobOwner(job ids.SignedJobID) DataOwner {
	return DataOwner{kind: ownerJob, job: job}
}

func (o DataOwner) String() string {
	switch o.kind {
	case ownerResourceGroup:
		return "resource_group " + o.rg.String()
	case ownerJob:
		return "job " + o.job.ID.String()
	default:
		return "invalid owner"
	}
}

// JobSummary is one row of ListJobs.
type JobSummary struct {
	ID        ids.JobID
	State     JobState
	NumTasks  int
	Retries   int
	Error     string
	CreatedAt time.Time
}

// TaskSummary describes one task of a job.
type TaskSummary struct {
	ID          ids.TaskID
	Index       int
	TDLPackage  string
	TDLFunction string
	State       TaskState
	Instances   int
	Error       string
}

// ReadyTask is a task a scheduler may dispatch.
type ReadyTask struct {
	Task        ids.SignedTaskID
	Job         ids.JobID
	Index       int
	TDLPackage  string
	TDLFunction string
}

// FailedJob is a job waiting for a retry decision.
type FailedJob struct {
	Job      ids.JobID
	Retries  int
	Error    string
	FailedAt time.Time
}

// Cursor marks j's position in the failure order.
func (j FailedJob) Cursor() JobCursor {
	return JobCursor{FailedAt: j.FailedAt, Job: j.Job}
}

// JobCursor is a position in the failure order used by FetchExhaustedJobs.
// The zero cursor precedes every job.
type JobCursor struct {
	FailedAt time.Time
	Job      ids.JobID
}

// TaskInstanceInfo describes a running task instance.
type TaskInstanceInfo struct {
	Instance  ids.SignedTaskInstanceID
	Task      ids.TaskID
	Worker    ids.WorkerID
	StartedAt time.Time
}
