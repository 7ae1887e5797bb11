package handler

import (
	"strings"
	"time"
)

// IssueRequest is the body of POST /v1/instructions.
type IssueRequest struct {
	Title string             `json:"title" validate:"required,max=200"`
	Items []IssueItemRequest `json:"items" validate:"required,min=1,max=100,dive"`
}

type IssueItemRequest struct {
	Title      string    `json:"title" validate:"required,max=200"`
	AssigneeID string    `json:"assigneeId" validate:"required,uuid"`
	DueAt      time.Time `json:"dueAt" validate:"required"`
}

func (r *IssueRequest) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	for i := range r.Items {
		r.Items[i].Title = strings.TrimSpace(r.Items[i].Title)
		r.Items[i].AssigneeID = strings.ToLower(strings.TrimSpace(r.Items[i].AssigneeID))
		r.Items[i].DueAt = r.Items[i].DueAt.UTC()
	}
}
