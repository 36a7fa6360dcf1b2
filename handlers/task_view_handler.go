package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/middleware"
	"trello-project/microservices/task-view-service/models"
	"trello-project/microservices/task-view-service/services"
)

const maxBodyBytes = 1 << 20

// Sessions is the part of the session registry the handler uses directly.
type Sessions interface {
	Logout(token string) bool
}

type TaskViewHandler struct {
	sessions Sessions
	now      func() time.Time
}

func NewTaskViewHandler(sessions Sessions) *TaskViewHandler {
	return &TaskViewHandler{sessions: sessions, now: time.Now}
}

// Register mounts the intent routes on r, which is expected to carry the auth
// middleware.
func (h *TaskViewHandler) Register(r *mux.Router) {
	r.HandleFunc("/tasks", h.GetView).Methods(http.MethodGet)
	r.HandleFunc("/tasks", h.CreateTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", h.UpdateTask).Methods(http.MethodPut)
	r.HandleFunc("/tasks/{id}", h.DeleteTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/toggle", h.ToggleTask).Methods(http.MethodPatch)
	r.HandleFunc("/tasks/{id}/assign", h.AssignTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/assign", h.UnassignTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/collaborators", h.ListCollaborators).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/collaborators", h.AddCollaborator).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/collaborators/{identifier}", h.RemoveCollaborator).Methods(http.MethodDelete)
	r.HandleFunc("/search", h.SetSearch).Methods(http.MethodPost)
	r.HandleFunc("/filter", h.SetFilter).Methods(http.MethodPost)
	r.HandleFunc("/refresh", h.Refresh).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskResponse struct {
	models.Task
	Overdue bool `json:"overdue"`
}

type viewResponse struct {
	Tasks      []taskResponse `json:"tasks"`
	Generation uint64         `json:"generation"`
	State      string         `json:"state"`
	Search     string         `json:"search"`
	Filter     string         `json:"filter"`
	Completed  int            `json:"completed"`
	Pending    int            `json:"pending"`
	LastError  *errorBody     `json:"last_error,omitempty"`
}

type passResponse struct {
	Generation uint64 `json:"generation,omitempty"`
	State      string `json:"state"`
}

func (h *TaskViewHandler) project(t models.Task) taskResponse {
	return taskResponse{Task: t, Overdue: t.IsOverdue(h.now())}
}

func (h *TaskViewHandler) GetView(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	view := session.View()
	resp := viewResponse{
		Tasks:      make([]taskResponse, 0, len(view.Tasks)),
		Generation: view.Generation,
		State:      view.State.String(),
		Search:     view.Search,
		Filter:     string(view.Filter),
	}
	for _, t := range view.Tasks {
		resp.Tasks = append(resp.Tasks, h.project(t))
		if t.Completed {
			resp.Completed++
		} else {
			resp.Pending++
		}
	}
	if view.Err != nil {
		body := bodyFor(view.Err)
		resp.LastError = &body
	}
	writeJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Search string `json:"search"`
}

func (h *TaskViewHandler) SetSearch(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session.SetSearch(req.Search)
	writeJSON(w, http.StatusAccepted, passResponse{State: session.Controller().State().String()})
}

type filterRequest struct {
	Filter string `json:"filter"`
}

func (h *TaskViewHandler) SetFilter(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := models.ParseFilterMode(req.Filter)
	if err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	gen := session.SetFilter(mode)
	writeJSON(w, http.StatusAccepted, passResponse{Generation: gen, State: session.Controller().State().String()})
}

func (h *TaskViewHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	gen := session.Refresh()
	writeJSON(w, http.StatusAccepted, passResponse{Generation: gen, State: session.Controller().State().String()})
}

func (h *TaskViewHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	var input models.TaskInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	task, err := session.CreateTask(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.project(task))
}

func (h *TaskViewHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	patch, err := decodePatch(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := session.UpdateTask(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.project(task))
}

func (h *TaskViewHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	if err := session.DeleteTask(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskViewHandler) ToggleTask(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	task, err := session.ToggleTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.project(task))
}

type assignRequest struct {
	Assignee string `json:"assignee"`
}

func (h *TaskViewHandler) AssignTask(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	who, err := models.ParseIdentifier(req.Assignee)
	if err != nil {
		writeError(w, badRequest("assignee is required"))
		return
	}
	task, err := session.AssignTask(r.Context(), mux.Vars(r)["id"], who)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.project(task))
}

func (h *TaskViewHandler) UnassignTask(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	task, err := session.UnassignTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.project(task))
}

type collaboratorsResponse struct {
	TaskID        string                `json:"task_id"`
	Collaborators []models.Collaborator `json:"collaborators"`
}

func (h *TaskViewHandler) ListCollaborators(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	list, err := session.ListCollaborators(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collaboratorsResponse{TaskID: id, Collaborators: list})
}

type addCollaboratorRequest struct {
	Email string `json:"email"`
}

func (h *TaskViewHandler) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	var req addCollaboratorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	list, err := session.AddCollaborator(r.Context(), id, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collaboratorsResponse{TaskID: id, Collaborators: list})
}

func (h *TaskViewHandler) RemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrFail(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	who, err := models.ParseIdentifier(vars["identifier"])
	if err != nil {
		writeError(w, badRequest("collaborator identifier is required"))
		return
	}
	list, err := session.RemoveCollaborator(r.Context(), vars["id"], who)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collaboratorsResponse{TaskID: vars["id"], Collaborators: list})
}

func (h *TaskViewHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromContext(r.Context())
	if token == "" || !h.sessions.Logout(token) {
		logging.Logger.Debugf("Event ID: LOGOUT_NO_SESSION, Description: Logout without a live session")
	}
	w.WriteHeader(http.StatusNoContent)
}

func sessionOrFail(w http.ResponseWriter, r *http.Request) (*services.Session, bool) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeError(w, services.ErrUnauthenticated)
		return nil, false
	}
	select {
	case <-session.Done():
		writeError(w, &services.BackendError{Service: "task-view", Op: "session", Kind: services.ErrUnauthenticated, Detail: "session has ended"})
		return nil, false
	default:
	}
	return session, true
}

// decodePatch tells an absent due_date apart from an explicit null, which
// clears it.
func decodePatch(r *http.Request) (models.TaskPatch, error) {
	var raw map[string]json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return models.TaskPatch{}, err
	}
	var patch models.TaskPatch
	if v, ok := raw["title"]; ok {
		var title string
		if err := json.Unmarshal(v, &title); err != nil {
			return patch, badRequest("title must be a string")
		}
		patch.Title = &title
	}
	if v, ok := raw["description"]; ok {
		var desc string
		if err := json.Unmarshal(v, &desc); err != nil {
			return patch, badRequest("description must be a string")
		}
		patch.Description = &desc
	}
	if v, ok := raw["completed"]; ok {
		var completed bool
		if err := json.Unmarshal(v, &completed); err != nil {
			return patch, badRequest("completed must be a boolean")
		}
		patch.Completed = &completed
	}
	if v, ok := raw["due_date"]; ok {
		if string(v) == "null" {
			patch.ClearDueDate = true
		} else {
			var d models.Date
			if err := json.Unmarshal(v, &d); err != nil {
				return patch, badRequest("due_date must be YYYY-MM-DD")
			}
			patch.DueDate = &d
		}
	}
	return patch, nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return badRequest("request body is required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body is required")
		}
		return badRequest(fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

func badRequest(message string) error {
	return &services.BackendError{Service: "task-view", Op: "decode request", Kind: services.ErrInvalidInput, Detail: message}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func bodyFor(err error) errorBody {
	message := err.Error()
	var be *services.BackendError
	if errors.As(err, &be) && be.Detail != "" {
		message = be.Detail
	}
	// Backend failure details stay in the logs.
	switch status := services.HTTPStatus(err); {
	case status == http.StatusServiceUnavailable && be != nil:
		message = be.Service + " is unavailable"
	case status >= http.StatusInternalServerError:
		message = "internal error"
	}
	return errorBody{Code: services.ErrorCode(err), Message: message}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, services.HTTPStatus(err), map[string]errorBody{"error": bodyFor(err)})
}
