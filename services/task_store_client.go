package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"trello-project/microservices/task-view-service/models"
)

// TaskStoreClient talks to the task store on behalf of one session.
type TaskStoreClient struct {
	backend *Backend
	token   string
}

func NewTaskStoreClient(backend *Backend, token string) *TaskStoreClient {
	return &TaskStoreClient{backend: backend, token: token}
}

// List fetches the viewer's tasks. Matching on search is the store's job. The
// collaborator filter can't be delegated: the store has no collaborator edges.
func (c *TaskStoreClient) List(ctx context.Context, search string, hint models.FilterMode) ([]models.Task, error) {
	if !hint.Delegable() && hint != "" {
		return nil, invalidInput("list tasks", "filter %q cannot be evaluated by the task store", hint)
	}
	query := url.Values{}
	if s := strings.TrimSpace(search); s != "" {
		query.Set("search", s)
	}
	if hint != "" && hint != models.FilterAll {
		query.Set("filter_by", string(hint))
	}

	var records []taskRecord
	if err := c.backend.do(ctx, call{
		op:     "list tasks",
		method: http.MethodGet,
		path:   "/tasks",
		query:  query,
		token:  c.token,
		out:    &records,
	}); err != nil {
		return nil, err
	}

	tasks := make([]models.Task, 0, len(records))
	for _, rec := range records {
		tasks = append(tasks, rec.task())
	}
	return tasks, nil
}

func (c *TaskStoreClient) Create(ctx context.Context, input models.TaskInput) (models.Task, error) {
	input.Title = strings.TrimSpace(input.Title)
	if input.Title == "" {
		return models.Task{}, invalidInput("create task", "title is required")
	}
	return c.record(ctx, call{op: "create task", method: http.MethodPost, path: "/tasks", body: input})
}

func (c *TaskStoreClient) Update(ctx context.Context, id string, patch models.TaskPatch) (models.Task, error) {
	if err := requireID("update task", id); err != nil {
		return models.Task{}, err
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return models.Task{}, invalidInput("update task", "title cannot be empty")
		}
		patch.Title = &title
	}
	if patch.Empty() {
		return models.Task{}, invalidInput("update task", "nothing to update")
	}
	return c.record(ctx, call{op: "update task", method: http.MethodPut, path: taskPath(id), body: patch})
}

func (c *TaskStoreClient) Delete(ctx context.Context, id string) error {
	if err := requireID("delete task", id); err != nil {
		return err
	}
	return c.backend.do(ctx, call{op: "delete task", method: http.MethodDelete, path: taskPath(id), token: c.token})
}

func (c *TaskStoreClient) Toggle(ctx context.Context, id string) (models.Task, error) {
	if err := requireID("toggle task", id); err != nil {
		return models.Task{}, err
	}
	return c.record(ctx, call{op: "toggle task", method: http.MethodPatch, path: taskPath(id) + "/toggle"})
}

type assignRequest struct {
	AssigneeEmail *string `json:"assignee_email"`
	AssigneeUID   *string `json:"assignee_uid"`
}

func (c *TaskStoreClient) Assign(ctx context.Context, id string, assignee models.Identifier) (models.Task, error) {
	if err := requireID("assign task", id); err != nil {
		return models.Task{}, err
	}
	if strings.TrimSpace(assignee.Value) == "" {
		return models.Task{}, invalidInput("assign task", "assignee is required")
	}
	var body assignRequest
	switch assignee.Kind {
	case models.ByEmail:
		body.AssigneeEmail = &assignee.Value
	default:
		body.AssigneeUID = &assignee.Value
	}
	return c.record(ctx, call{op: "assign task", method: http.MethodPost, path: taskPath(id) + "/assign", body: body})
}

func (c *TaskStoreClient) Unassign(ctx context.Context, id string) (models.Task, error) {
	if err := requireID("unassign task", id); err != nil {
		return models.Task{}, err
	}
	return c.record(ctx, call{op: "unassign task", method: http.MethodDelete, path: taskPath(id) + "/assign"})
}

func (c *TaskStoreClient) record(ctx context.Context, cl call) (models.Task, error) {
	var rec taskRecord
	cl.token = c.token
	cl.out = &rec
	if err := c.backend.do(ctx, cl); err != nil {
		return models.Task{}, err
	}
	return rec.task(), nil
}

func taskPath(id string) string {
	return "/tasks/" + url.PathEscape(id)
}

func requireID(op, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidInput(op, "task id is required")
	}
	return nil
}
