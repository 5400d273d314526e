package bus

// Job lifecycle topics. Subscribe to TopicJobPrefix for all of them.
const (
	TopicJobPrefix    = "job."
	TopicJobCreated   = "job.created"
	TopicJobStarted   = "job.started"
	TopicJobResult    = "job.result"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
)

// JobEvent is the payload of every job topic.
type JobEvent struct {
	JobID  string `json:"jobId"`
	Mode   string `json:"mode"`
	Status string `json:"status"`
	// Completed and Total are progress counters at the time of the event.
	Completed int    `json:"completedCount"`
	Total     int    `json:"totalCount"`
	Detail    string `json:"detail,omitempty"`
}
