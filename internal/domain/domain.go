package domain

// Status is the lifecycle state of a task. Five statuses are actionable
// (the planner reacts to them); the rest wait for a human or for the
// build pipeline to write back.
type Status string

const (
	// StatusDraft is a raw idea seeded by a human. Actionable.
	StatusDraft Status = "draft"
	// StatusFeedbackPending means a human left revision instructions. Actionable.
	StatusFeedbackPending Status = "feedback_pending"
	// StatusNew is a refined idea awaiting approval or rejection.
	StatusNew Status = "new"
	// StatusRevised is a feedback-adjusted idea awaiting the next human action.
	StatusRevised Status = "revised"
	// StatusApproved means a human greenlit the idea. Actionable.
	StatusApproved Status = "approved"
	// StatusDesigned means the project is provisioned and a design doc exists.
	StatusDesigned Status = "designed"
	// StatusDevelopmentStarted means a human kicked off development. Actionable.
	StatusDevelopmentStarted Status = "development_started"
	// StatusDevReady means the build pipeline has been handed the project.
	StatusDevReady Status = "dev_ready"
	// StatusReview is written back by the pipeline together with a preview URL.
	StatusReview Status = "review"
	// StatusRejected means the idea was declined. Actionable until cleanup runs.
	StatusRejected Status = "rejected"
)

// ActionableStatuses are the statuses the planner subscribes to.
var ActionableStatuses = []Status{
	StatusDraft,
	StatusFeedbackPending,
	StatusApproved,
	StatusDevelopmentStarted,
	StatusRejected,
}

// Valid reports whether s is one of the known lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusFeedbackPending, StatusNew, StatusRevised,
		StatusApproved, StatusDesigned, StatusDevelopmentStarted,
		StatusDevReady, StatusReview, StatusRejected:
		return true
	}
	return false
}

// Actionable reports whether s triggers a planner handler.
func (s Status) Actionable() bool {
	for _, a := range ActionableStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Task is one app idea moving through the pipeline. IsProcessing is the
// per-task lock: at most one handler may hold it at a time.
type Task struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Overview        string  `json:"overview,omitempty"`
	Monetization    string  `json:"monetization,omitempty"`
	Target          string  `json:"target,omitempty"`
	Difficulty      string  `json:"difficulty,omitempty"`
	Type            string  `json:"type,omitempty"`
	Status          Status  `json:"status"`
	IsProcessing    bool    `json:"is_processing"`
	FeedbackComment *string `json:"feedback_comment,omitempty"`
	DirectoryName   *string `json:"directory_name,omitempty"`
	ReviewURL       *string `json:"review_url,omitempty"`
	Deadline        *string `json:"deadline,omitempty"`
	CleanupDone     bool    `json:"cleanup_done,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the task is absorbed: a rejected task whose
// cleanup already ran must never be dispatched again.
func (t Task) Terminal() bool {
	return t.Status == StatusRejected && t.CleanupDone
}

// Idea is the structured content the agent produces when refining or
// revising a task.
type Idea struct {
	Title        string `json:"title"`
	Overview     string `json:"overview"`
	Monetization string `json:"monetization"`
	Target       string `json:"target"`
	Difficulty   string `json:"difficulty"`
	Type         string `json:"type"`
}

// Change is one row of the task change log, the raw material of the
// change feed. ID is monotonically increasing in write order.
type Change struct {
	ID     int64  `json:"id"`
	TS     string `json:"ts" format:"date-time"`
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}
