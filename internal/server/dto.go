package server

import (
	"github.com/jabeeworks/vibeflow/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Title        string  `json:"title"`
	Overview     *string `json:"overview,omitempty"`
	Monetization *string `json:"monetization,omitempty"`
	Target       *string `json:"target,omitempty"`
	Difficulty   *string `json:"difficulty,omitempty"`
	Type         *string `json:"type,omitempty"`
	Status       *string `json:"status,omitempty" enum:"draft,new"`
	Deadline     *string `json:"deadline,omitempty"`
}

type SetStatusRequest struct {
	Status          string  `json:"status" enum:"draft,feedback_pending,new,revised,approved,designed,development_started,dev_ready,review,rejected"`
	FeedbackComment *string `json:"feedback_comment,omitempty"`
}

type WebhookRequest struct {
	Action string `json:"action" enum:"draft,approved,build"`
	TaskID string `json:"task_id"`
}

// Response payloads

type TaskResponse struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Overview        string  `json:"overview,omitempty"`
	Monetization    string  `json:"monetization,omitempty"`
	Target          string  `json:"target,omitempty"`
	Difficulty      string  `json:"difficulty,omitempty"`
	Type            string  `json:"type,omitempty"`
	Status          string  `json:"status"`
	IsProcessing    bool    `json:"is_processing"`
	FeedbackComment *string `json:"feedback_comment,omitempty"`
	DirectoryName   *string `json:"directory_name,omitempty"`
	ReviewURL       *string `json:"review_url,omitempty"`
	Deadline        *string `json:"deadline,omitempty"`
	CleanupDone     bool    `json:"cleanup_done"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type WebhookResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Overview:        t.Overview,
		Monetization:    t.Monetization,
		Target:          t.Target,
		Difficulty:      t.Difficulty,
		Type:            t.Type,
		Status:          string(t.Status),
		IsProcessing:    t.IsProcessing,
		FeedbackComment: t.FeedbackComment,
		DirectoryName:   t.DirectoryName,
		ReviewURL:       t.ReviewURL,
		Deadline:        t.Deadline,
		CleanupDone:     t.CleanupDone,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func taskListResponse(tasks []domain.Task) TaskListResponse {
	out := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, taskResponse(t))
	}
	return out
}
