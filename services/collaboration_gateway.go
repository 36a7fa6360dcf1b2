package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/models"
)

// CollaborationGateway reads and edits a task's collaborator edges in the
// collaboration service.
type CollaborationGateway struct {
	backend *Backend
	token   string
}

func NewCollaborationGateway(backend *Backend, token string) *CollaborationGateway {
	return &CollaborationGateway{backend: backend, token: token}
}

func collaboratorsPath(taskID string) string {
	return "/tasks/" + url.PathEscape(taskID) + "/collaborators"
}

func (g *CollaborationGateway) ListCollaborators(ctx context.Context, taskID string) ([]models.Collaborator, error) {
	if err := requireID("list collaborators", taskID); err != nil {
		return nil, err
	}
	var resp collaboratorsResponse
	if err := g.backend.do(ctx, call{
		op:     "list collaborators",
		method: http.MethodGet,
		path:   collaboratorsPath(taskID),
		token:  g.token,
		out:    &resp,
	}); err != nil {
		return nil, err
	}
	return emptyIfNil(decodeCollaborators(resp.Collaborators)), nil
}

type addCollaboratorRequest struct {
	Email string `json:"email"`
}

// AddCollaborator shares the task with email. Adding someone who already
// collaborates is not an error: the current list is returned.
func (g *CollaborationGateway) AddCollaborator(ctx context.Context, taskID, email string) ([]models.Collaborator, error) {
	if err := requireID("add collaborator", taskID); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, invalidInput("add collaborator", "a collaborator email is required")
	}

	var resp collaboratorsResponse
	err := g.backend.do(ctx, call{
		op:     "add collaborator",
		method: http.MethodPost,
		path:   collaboratorsPath(taskID),
		token:  g.token,
		body:   addCollaboratorRequest{Email: email},
		out:    &resp,
	})
	if errors.Is(err, ErrAlreadyExists) {
		logging.Logger.Debugf("Event ID: COLLABORATOR_ALREADY_PRESENT, Description: %s already collaborates on task %s", email, taskID)
		return g.ListCollaborators(ctx, taskID)
	}
	if err != nil {
		return nil, err
	}
	return g.listFromResponse(ctx, taskID, resp)
}

// RemoveCollaborator accepts either a uid or an email.
func (g *CollaborationGateway) RemoveCollaborator(ctx context.Context, taskID string, who models.Identifier) ([]models.Collaborator, error) {
	if err := requireID("remove collaborator", taskID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(who.Value) == "" {
		return nil, invalidInput("remove collaborator", "collaborator identifier is required")
	}

	var resp collaboratorsResponse
	if err := g.backend.do(ctx, call{
		op:     "remove collaborator",
		method: http.MethodDelete,
		path:   collaboratorsPath(taskID) + "/" + url.PathEscape(who.Value),
		token:  g.token,
		out:    &resp,
	}); err != nil {
		return nil, err
	}
	return g.listFromResponse(ctx, taskID, resp)
}

// listFromResponse uses the list embedded in a mutation response and falls back
// to a fresh read when the service answered without one.
func (g *CollaborationGateway) listFromResponse(ctx context.Context, taskID string, resp collaboratorsResponse) ([]models.Collaborator, error) {
	if len(resp.Collaborators) == 0 {
		return g.ListCollaborators(ctx, taskID)
	}
	return emptyIfNil(decodeCollaborators(resp.Collaborators)), nil
}

func emptyIfNil(in []models.Collaborator) []models.Collaborator {
	if in == nil {
		return []models.Collaborator{}
	}
	return in
}
