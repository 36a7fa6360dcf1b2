package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Task is the merged view of a task record. Owner, Collaborators, Assignee and
// InvitedBy are derived by the aggregator; the rest comes from the task store.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DueDate     *Date     `json:"due_date"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	OwnerRef    string    `json:"owner_id"`
	AssigneeRef string    `json:"assigned_to,omitempty"`

	Owner         *IdentityView  `json:"owner,omitempty"`
	Collaborators []Collaborator `json:"collaborators"`
	Assignee      *IdentityView  `json:"assignee,omitempty"`
	InvitedBy     *Invitation    `json:"invited_by,omitempty"`
}

// IsOverdue compares the due date against now at day granularity. A completed
// task is never overdue.
func (t Task) IsOverdue(now time.Time) bool {
	if t.Completed || t.DueDate == nil {
		return false
	}
	return t.DueDate.Before(DateOf(now))
}

// HasCollaboratorEmail reports whether email appears among the task's collaborators.
func (t Task) HasCollaboratorEmail(email string) bool {
	if email == "" {
		return false
	}
	for _, c := range t.Collaborators {
		if strings.EqualFold(c.Identity.Email, email) {
			return true
		}
	}
	return false
}

// Clone copies the slices so callers can't alias cache state.
func (t Task) Clone() Task {
	out := t
	if t.Collaborators != nil {
		out.Collaborators = append([]Collaborator(nil), t.Collaborators...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	if t.Owner != nil {
		o := *t.Owner
		out.Owner = &o
	}
	if t.Assignee != nil {
		a := *t.Assignee
		out.Assignee = &a
	}
	if t.InvitedBy != nil {
		i := *t.InvitedBy
		out.InvitedBy = &i
	}
	return out
}

// TaskInput is the payload for creating a task.
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     *Date  `json:"due_date"`
}

// TaskPatch carries only the fields an update sets.
type TaskPatch struct {
	Title        *string
	Description  *string
	DueDate      *Date
	ClearDueDate bool
	Completed    *bool
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil && !p.ClearDueDate && p.Completed == nil
}

func (p TaskPatch) MarshalJSON() ([]byte, error) {
	body := map[string]any{}
	if p.Title != nil {
		body["title"] = *p.Title
	}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	switch {
	case p.ClearDueDate:
		body["due_date"] = nil
	case p.DueDate != nil:
		body["due_date"] = p.DueDate.String()
	}
	if p.Completed != nil {
		body["completed"] = *p.Completed
	}
	return json.Marshal(body)
}
