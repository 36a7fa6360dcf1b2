package services

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"trello-project/microservices/task-view-service/models"
)

// Wire shapes of the three backends. The backends are not strict about types
// (timestamps with or without zone, collaborators as uids or as objects), so
// decoding is lenient and conversion into models happens here only.

type identityRecord struct {
	UID         string  `json:"uid"`
	ID          string  `json:"id"`
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
}

func (r identityRecord) view() models.IdentityView {
	id := r.UID
	if id == "" {
		id = r.ID
	}
	return models.IdentityView{ID: id, Email: deref(r.Email), DisplayName: deref(r.DisplayName)}
}

type collaboratorRecord struct {
	identityRecord
	AddedAt   string          `json:"added_at"`
	InvitedBy json.RawMessage `json:"invited_by"`
}

type collaboratorsResponse struct {
	TaskID        string          `json:"task_id"`
	Collaborators json.RawMessage `json:"collaborators"`
}

type invitationRecord struct {
	UID       string  `json:"invited_by_uid"`
	Email     *string `json:"invited_by_email"`
	Name      *string `json:"invited_by_name"`
	InvitedAt string  `json:"invited_at"`
}

type taskRecord struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   *string           `json:"description"`
	DueDate       *models.Date      `json:"due_date"`
	Completed     bool              `json:"completed"`
	CreatedAt     string            `json:"created_at"`
	OwnerID       string            `json:"owner_id"`
	UserID        string            `json:"user_id"`
	AssignedTo    *string           `json:"assigned_to"`
	Owner         *identityRecord   `json:"owner"`
	Assignee      *identityRecord   `json:"assignee"`
	Collaborators json.RawMessage   `json:"collaborators"`
	InvitedBy     *invitationRecord `json:"invited_by"`
}

func (r taskRecord) task() models.Task {
	owner := r.OwnerID
	if owner == "" {
		owner = r.UserID
	}
	t := models.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: deref(r.Description),
		DueDate:     r.DueDate,
		Completed:   r.Completed,
		OwnerRef:    owner,
		AssigneeRef: deref(r.AssignedTo),
	}
	if ts, ok := parseTimestamp(r.CreatedAt); ok {
		t.CreatedAt = ts
	}
	if r.Owner != nil {
		if v := r.Owner.view(); v.Usable() {
			if v.ID == "" {
				v.ID = owner
			}
			t.Owner = &v
		}
	}
	if r.Assignee != nil {
		if v := r.Assignee.view(); v.Usable() {
			if v.ID == "" {
				v.ID = t.AssigneeRef
			}
			t.Assignee = &v
		}
		if t.AssigneeRef == "" {
			t.AssigneeRef = r.Assignee.view().ID
		}
	}
	t.Collaborators = decodeCollaborators(r.Collaborators)
	if r.InvitedBy != nil && r.InvitedBy.UID != "" {
		inv := &models.Invitation{By: models.IdentityView{
			ID:          r.InvitedBy.UID,
			Email:       deref(r.InvitedBy.Email),
			DisplayName: deref(r.InvitedBy.Name),
		}}
		if ts, ok := parseTimestamp(r.InvitedBy.InvitedAt); ok {
			inv.At = &ts
		}
		t.InvitedBy = inv
	}
	return t
}

// decodeCollaborators accepts a list of collaborator objects or a list of bare
// uids and returns them unique by id in order of first appearance.
func decodeCollaborators(raw json.RawMessage) []models.Collaborator {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var records []collaboratorRecord
	if err := json.Unmarshal(raw, &records); err == nil {
		out := make([]models.Collaborator, 0, len(records))
		for _, rec := range records {
			c := models.Collaborator{Identity: rec.view()}
			if ts, ok := parseTimestamp(rec.AddedAt); ok {
				c.AddedAt = &ts
			}
			if inviter, ok := decodeIdentityish(rec.InvitedBy); ok {
				c.InvitedBy = &inviter
			}
			out = append(out, c)
		}
		return uniqueCollaborators(out)
	}

	var uids []string
	if err := json.Unmarshal(raw, &uids); err == nil {
		out := make([]models.Collaborator, 0, len(uids))
		for _, uid := range uids {
			out = append(out, models.Collaborator{Identity: models.UnknownIdentity(uid)})
		}
		return uniqueCollaborators(out)
	}
	return nil
}

func decodeIdentityish(raw json.RawMessage) (models.IdentityView, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.IdentityView{}, false
	}
	var uid string
	if err := json.Unmarshal(raw, &uid); err == nil {
		return models.IdentityView{ID: uid}, uid != ""
	}
	var rec identityRecord
	if err := json.Unmarshal(raw, &rec); err == nil {
		v := rec.view()
		return v, v.ID != "" || v.Usable()
	}
	return models.IdentityView{}, false
}

func uniqueCollaborators(in []models.Collaborator) []models.Collaborator {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, c := range in {
		key := c.Identity.ID
		if key == "" {
			key = "email:" + strings.ToLower(c.Identity.Email)
		}
		if key == "email:" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
