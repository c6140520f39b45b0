package bus

// Job lifecycle topics.
const (
	TopicJobQueued    = "job.queued"
	TopicJobStarted   = "job.started"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
	TopicJobSkipped   = "job.skipped"

	TopicActionRecorded = "action.recorded"

	TopicSchedulerPassStarted  = "scheduler.pass_started"
	TopicSchedulerPassFinished = "scheduler.pass_finished"
)

// JobEvent is the payload for job.* topics.
type JobEvent struct {
	JobID      string `json:"job_id"`
	OrgID      string `json:"org_id"`
	CaseID     string `json:"case_id,omitempty"`
	Specialist string `json:"specialist"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status"`
}

// ActionEvent is the payload for action.recorded.
type ActionEvent struct {
	ActionID string `json:"action_id"`
	JobID    string `json:"job_id"`
	Tool     string `json:"tool"`
	Failed   bool   `json:"failed"`
}

// SchedulerEvent is the payload for scheduler.* topics.
type SchedulerEvent struct {
	Trigger string `json:"trigger"`
	Created int    `json:"created"`
	Ran     int    `json:"ran,omitempty"`
	Failed  int    `json:"failed,omitempty"`
}
