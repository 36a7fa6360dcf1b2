package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

const testToken = "tok"

func serve(t *testing.T, name string, register func(r *mux.Router)) *Backend {
	t.Helper()
	r := mux.NewRouter()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewBackend(name, srv.URL, srv.Client(), nil)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// authorized rejects requests that don't carry the test token, and any request
// while status is forced.
func authorized(w http.ResponseWriter, r *http.Request, forced int) bool {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		respond(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
		return false
	}
	if forced != 0 {
		respond(w, forced, map[string]string{"error": "forced"})
		return false
	}
	return true
}

// fakeTaskService is an in-memory task store speaking the store's wire format.
type fakeTaskService struct {
	mu      sync.Mutex
	tasks   []map[string]any
	status  int
	queries []url.Values
	bodies  []map[string]any
	nextID  int
}

func (f *fakeTaskService) add(rec map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, rec)
}

func (f *fakeTaskService) force(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeTaskService) lastBody() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakeTaskService) register(r *mux.Router) {
	r.HandleFunc("/tasks", f.list).Methods(http.MethodGet)
	r.HandleFunc("/tasks", f.create).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", f.update).Methods(http.MethodPut)
	r.HandleFunc("/tasks/{id}", f.remove).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/toggle", f.toggle).Methods(http.MethodPatch)
	r.HandleFunc("/tasks/{id}/assign", f.assign).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/assign", f.unassign).Methods(http.MethodDelete)
}

func (f *fakeTaskService) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	q := r.URL.Query()
	f.queries = append(f.queries, q)
	search := strings.ToLower(q.Get("search"))
	out := []map[string]any{}
	for _, rec := range f.tasks {
		if search != "" && !strings.Contains(strings.ToLower(rec["title"].(string)), search) {
			continue
		}
		out = append(out, rec)
	}
	respond(w, http.StatusOK, out)
}

func (f *fakeTaskService) find(id string) map[string]any {
	for _, rec := range f.tasks {
		if rec["id"] == id {
			return rec
		}
	}
	return nil
}

func (f *fakeTaskService) decode(r *http.Request) map[string]any {
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.bodies = append(f.bodies, body)
	return body
}

func (f *fakeTaskService) create(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	body := f.decode(r)
	f.nextID++
	rec := map[string]any{
		"id":          fmt.Sprintf("new-%d", f.nextID),
		"title":       body["title"],
		"description": body["description"],
		"due_date":    body["due_date"],
		"completed":   false,
		"created_at":  "2024-05-01T10:00:00Z",
		"owner_id":    "viewer",
	}
	f.tasks = append([]map[string]any{rec}, f.tasks...)
	respond(w, http.StatusCreated, rec)
}

func (f *fakeTaskService) update(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	rec := f.find(mux.Vars(r)["id"])
	body := f.decode(r)
	if rec == nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "no such task"})
		return
	}
	for k, v := range body {
		rec[k] = v
	}
	respond(w, http.StatusOK, rec)
}

func (f *fakeTaskService) remove(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	id := mux.Vars(r)["id"]
	for i, rec := range f.tasks {
		if rec["id"] == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	respond(w, http.StatusNotFound, map[string]string{"error": "no such task"})
}

func (f *fakeTaskService) toggle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	rec := f.find(mux.Vars(r)["id"])
	if rec == nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "no such task"})
		return
	}
	rec["completed"] = !rec["completed"].(bool)
	respond(w, http.StatusOK, rec)
}

func (f *fakeTaskService) assign(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	rec := f.find(mux.Vars(r)["id"])
	body := f.decode(r)
	if rec == nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "no such task"})
		return
	}
	if uid, ok := body["assignee_uid"].(string); ok && uid != "" {
		rec["assigned_to"] = uid
	} else if email, ok := body["assignee_email"].(string); ok {
		rec["assigned_to"] = "uid-" + email
	}
	respond(w, http.StatusOK, rec)
}

func (f *fakeTaskService) unassign(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !authorized(w, r, f.status) {
		return
	}
	rec := f.find(mux.Vars(r)["id"])
	if rec == nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "no such task"})
		return
	}
	delete(rec, "assigned_to")
	respond(w, http.StatusOK, rec)
}

// fakeIdentityService serves GET /users/{id}.
type fakeIdentityService struct {
	mu     sync.Mutex
	users  map[string]map[string]any
	fail   map[string]int
	status int
	hits   map[string]int
}

func newFakeIdentityService(users map[string]map[string]any) *fakeIdentityService {
	return &fakeIdentityService{users: users, fail: map[string]int{}, hits: map[string]int{}}
}

func (f *fakeIdentityService) register(r *mux.Router) {
	r.HandleFunc("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		f.mu.Lock()
		f.hits[id]++
		status, user, forced := f.fail[id], f.users[id], f.status
		f.mu.Unlock()
		if !authorized(w, r, forced) {
			return
		}
		if status != 0 {
			respond(w, status, map[string]string{"error": "lookup failed"})
			return
		}
		if user == nil {
			respond(w, http.StatusNotFound, map[string]string{"error": "no such user"})
			return
		}
		respond(w, http.StatusOK, user)
	}).Methods(http.MethodGet)
}

func (f *fakeIdentityService) hitCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[id]
}

// fakeCollaborationService keeps collaborator edges per task, keyed by email.
type fakeCollaborationService struct {
	mu     sync.Mutex
	edges  map[string][]map[string]any
	fail   map[string]int
	status int
}

func newFakeCollaborationService() *fakeCollaborationService {
	return &fakeCollaborationService{edges: map[string][]map[string]any{}, fail: map[string]int{}}
}

func (f *fakeCollaborationService) share(taskID, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges[taskID] = append(f.edges[taskID], map[string]any{"uid": "uid-" + email, "email": email})
}

func (f *fakeCollaborationService) register(r *mux.Router) {
	r.HandleFunc("/tasks/{id}/collaborators", f.list).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/collaborators", f.add).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/collaborators/{who}", f.remove).Methods(http.MethodDelete)
}

func (f *fakeCollaborationService) reject(w http.ResponseWriter, r *http.Request, taskID string) bool {
	if !authorized(w, r, f.status) {
		return true
	}
	if status := f.fail[taskID]; status != 0 {
		respond(w, status, map[string]string{"error": "collaborators unavailable"})
		return true
	}
	return false
}

func (f *fakeCollaborationService) payload(taskID string) map[string]any {
	list := append([]map[string]any{}, f.edges[taskID]...)
	return map[string]any{"task_id": taskID, "collaborators": list}
}

func (f *fakeCollaborationService) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := mux.Vars(r)["id"]
	if f.reject(w, r, id) {
		return
	}
	respond(w, http.StatusOK, f.payload(id))
}

func (f *fakeCollaborationService) add(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := mux.Vars(r)["id"]
	if f.reject(w, r, id) {
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	for _, edge := range f.edges[id] {
		if edge["email"] == body.Email {
			respond(w, http.StatusConflict, map[string]string{"error": "already a collaborator"})
			return
		}
	}
	f.edges[id] = append(f.edges[id], map[string]any{"uid": "uid-" + body.Email, "email": body.Email})
	respond(w, http.StatusCreated, f.payload(id))
}

func (f *fakeCollaborationService) remove(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vars := mux.Vars(r)
	id := vars["id"]
	if f.reject(w, r, id) {
		return
	}
	kept := f.edges[id][:0]
	for _, edge := range f.edges[id] {
		if edge["email"] == vars["who"] || edge["uid"] == vars["who"] {
			continue
		}
		kept = append(kept, edge)
	}
	f.edges[id] = kept
	// The real service answers removals without a body.
	w.WriteHeader(http.StatusNoContent)
}

func strPtr(s string) *string { return &s }
