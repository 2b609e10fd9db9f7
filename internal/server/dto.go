package server

import (
	"planline/internal/domain"
	"planline/internal/events"
)

// Request payloads

type GenerateRequest struct {
	BusinessContext domain.BusinessContext `json:"businessContext"`
	Constraints     *domain.Constraints    `json:"constraints,omitempty"`
	UserID          string                 `json:"userId,omitempty"`
	SessionID       string                 `json:"sessionId,omitempty"`
}

func (r GenerateRequest) input() domain.GeneratorInput {
	return domain.GeneratorInput{
		BusinessContext: r.BusinessContext,
		Constraints:     r.Constraints,
		UserID:          r.UserID,
		SessionID:       r.SessionID,
	}
}

// Response payloads

type StartJobResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status" enum:"pending,running,completed,failed"`
	Message string `json:"message,omitempty"`
}

type JobStatusResponse struct {
	JobID        string `json:"jobId"`
	Status       string `json:"status" enum:"pending,running,completed,failed"`
	Progress     int    `json:"progress"`
	CurrentRound int    `json:"currentRound"`
	TotalRounds  int    `json:"totalRounds"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"createdAt" format:"date-time"`
}

type JobInProgressResponse struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status" enum:"pending,running"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

type GenerateResponse struct {
	domain.GeneratorOutput
}

type EventsResponse struct {
	Items      []events.Event `json:"items"`
	NextCursor int64          `json:"nextCursor,omitempty"`
}

// Conversion helpers

func jobStatusResponse(j domain.Job) JobStatusResponse {
	return JobStatusResponse{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentRound: j.CurrentRound,
		TotalRounds:  j.TotalRounds,
		Message:      j.Message,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
	}
}

func jobInProgressResponse(j domain.Job) JobInProgressResponse {
	return JobInProgressResponse{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Message,
	}
}
