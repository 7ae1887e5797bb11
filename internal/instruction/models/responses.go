package models

import "time"

// InstructionResponse is the JSON view of an instruction. Guarded writes
// store it as their replayable result.
type InstructionResponse struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Title     string         `json:"title"`
	IssuedBy  string         `json:"issuedBy"`
	CreatedAt time.Time      `json:"createdAt"`
	Items     []ItemResponse `json:"items"`
}

type ItemResponse struct {
	ID            string     `json:"id"`
	InstructionID string     `json:"instructionId"`
	Title         string     `json:"title"`
	AssigneeID    string     `json:"assigneeId"`
	DueAt         time.Time  `json:"dueAt"`
	Status        ItemStatus `json:"status"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

func ToInstructionResponse(in *Instruction) InstructionResponse {
	items := make([]ItemResponse, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, ToItemResponse(it))
	}
	return InstructionResponse{
		ID:        in.ID.String(),
		TenantID:  in.TenantID.String(),
		Title:     in.Title,
		IssuedBy:  in.IssuedBy.String(),
		CreatedAt: in.CreatedAt,
		Items:     items,
	}
}

func ToItemResponse(it *Item) ItemResponse {
	return ItemResponse{
		ID:            it.ID.String(),
		InstructionID: it.InstructionID.String(),
		Title:         it.Title,
		AssigneeID:    it.AssigneeID.String(),
		DueAt:         it.DueAt,
		Status:        it.Status,
		CompletedAt:   it.CompletedAt,
	}
}
