package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/models"
)

// Backends are the three downstream services shared by every session.
type Backends struct {
	Tasks         *Backend
	Identity      *Backend
	Collaboration *Backend
}

type SessionOptions struct {
	SearchDebounce     time.Duration
	IdentityFanout     int
	CollaboratorFanout int
	// AfterFunc drives debounce and token-expiry timers; PassObserver is handed
	// to each session's controller.
	AfterFunc    AfterFunc
	PassObserver func(PassResult)
}

// View is what a UI reads: the cached tasks plus the controller's state.
type View struct {
	Tasks      []models.Task
	Generation uint64
	State      PassState
	Search     string
	Filter     models.FilterMode
	Err        error
}

// Session is the per-token aggregation context. It owns the cache and the
// search controller for one viewer and is torn down on logout or when any
// backend rejects its credential.
type Session struct {
	Token  string
	Viewer models.Viewer

	ctx    context.Context
	cancel context.CancelFunc

	store      *TaskStoreClient
	collab     *CollaborationGateway
	cache      *ViewCache
	controller *SearchController

	onTeardown   func(*Session)
	teardownOnce sync.Once

	expiryMu sync.Mutex
	expiry   Timer
}

func NewSession(token string, viewer models.Viewer, backends Backends, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewTaskStoreClient(backends.Tasks, token)
	identities := NewIdentityResolver(backends.Identity, token, opts.IdentityFanout)
	collab := NewCollaborationGateway(backends.Collaboration, token)

	s := &Session{
		Token:  token,
		Viewer: viewer,
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		collab: collab,
		cache:  NewViewCache(),
	}

	copts := []ControllerOption{
		WithDebounce(opts.SearchDebounce),
		WithErrorHandler(s.passFailed),
	}
	if opts.AfterFunc != nil {
		copts = append(copts, WithAfterFunc(opts.AfterFunc))
	}
	if opts.PassObserver != nil {
		copts = append(copts, WithPassObserver(opts.PassObserver))
	}
	agg := NewAggregator(store, identities, collab, opts.CollaboratorFanout)
	s.controller = NewSearchController(ctx, agg, s.cache, viewer, copts...)
	return s
}

func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Controller() *SearchController { return s.controller }

func (s *Session) Cache() *ViewCache { return s.cache }

func (s *Session) View() View {
	search, filter := s.controller.Current()
	return View{
		Tasks:      s.cache.Snapshot(),
		Generation: s.cache.Generation(),
		State:      s.controller.State(),
		Search:     search,
		Filter:     filter,
		Err:        s.controller.LastError(),
	}
}

func (s *Session) SetSearch(text string) { s.controller.SetSearch(text) }

func (s *Session) SetFilter(mode models.FilterMode) uint64 { return s.controller.SetFilter(mode) }

func (s *Session) Refresh() uint64 { return s.controller.Refresh() }

func (s *Session) CreateTask(ctx context.Context, input models.TaskInput) (models.Task, error) {
	task, err := s.store.Create(ctx, input)
	if err != nil {
		return models.Task{}, s.fail("create task", "", err)
	}
	if task.Owner == nil && task.OwnerRef != "" && task.OwnerRef == s.Viewer.ID {
		owner := models.IdentityView{ID: s.Viewer.ID, Email: s.Viewer.Email, DisplayName: s.Viewer.DisplayName}
		task.Owner = &owner
	}
	if task.Collaborators == nil {
		task.Collaborators = []models.Collaborator{}
	}
	s.cache.Prepend(task)
	s.logMutation("TASK_CREATED", task.ID)
	return task, nil
}

func (s *Session) UpdateTask(ctx context.Context, id string, patch models.TaskPatch) (models.Task, error) {
	task, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return models.Task{}, s.fail("update task", id, err)
	}
	return s.replace("TASK_UPDATED", task), nil
}

func (s *Session) ToggleTask(ctx context.Context, id string) (models.Task, error) {
	task, err := s.store.Toggle(ctx, id)
	if err != nil {
		return models.Task{}, s.fail("toggle task", id, err)
	}
	return s.replace("TASK_TOGGLED", task), nil
}

func (s *Session) DeleteTask(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return s.fail("delete task", id, err)
	}
	s.cache.Remove(id)
	s.logMutation("TASK_DELETED", id)
	return nil
}

// AssignTask also starts a refresh: the new assignee's identity and filter
// membership come from a full pass.
func (s *Session) AssignTask(ctx context.Context, id string, assignee models.Identifier) (models.Task, error) {
	task, err := s.store.Assign(ctx, id, assignee)
	if err != nil {
		return models.Task{}, s.fail("assign task", id, err)
	}
	task = s.replace("TASK_ASSIGNED", task)
	s.controller.Refresh()
	return task, nil
}

func (s *Session) UnassignTask(ctx context.Context, id string) (models.Task, error) {
	task, err := s.store.Unassign(ctx, id)
	if err != nil {
		return models.Task{}, s.fail("unassign task", id, err)
	}
	task = s.replace("TASK_UNASSIGNED", task)
	s.controller.Refresh()
	return task, nil
}

func (s *Session) ListCollaborators(ctx context.Context, taskID string) ([]models.Collaborator, error) {
	list, err := s.collab.ListCollaborators(ctx, taskID)
	if err != nil {
		return nil, s.fail("list collaborators", taskID, err)
	}
	s.cache.SetCollaborators(taskID, list)
	return list, nil
}

func (s *Session) AddCollaborator(ctx context.Context, taskID, email string) ([]models.Collaborator, error) {
	list, err := s.collab.AddCollaborator(ctx, taskID, email)
	if err != nil {
		return nil, s.fail("add collaborator", taskID, err)
	}
	s.cache.SetCollaborators(taskID, list)
	s.logMutation("COLLABORATOR_ADDED", taskID)
	return list, nil
}

func (s *Session) RemoveCollaborator(ctx context.Context, taskID string, who models.Identifier) ([]models.Collaborator, error) {
	list, err := s.collab.RemoveCollaborator(ctx, taskID, who)
	if err != nil {
		return nil, s.fail("remove collaborator", taskID, err)
	}
	s.cache.SetCollaborators(taskID, list)
	s.logMutation("COLLABORATOR_REMOVED", taskID)
	return list, nil
}

// replace patches the cache and returns the task as the cache now holds it,
// or the bare record when the task is no longer in view.
func (s *Session) replace(event string, record models.Task) models.Task {
	if s.cache.ReplaceRecord(record) {
		if merged, ok := s.cache.Get(record.ID); ok {
			record = merged
		}
	} else {
		logging.Logger.Debugf("Event ID: CACHE_PATCH_SKIPPED, Description: Task %s is not in the current view", record.ID)
	}
	s.logMutation(event, record.ID)
	return record
}

func (s *Session) logMutation(event, taskID string) {
	logging.Logger.WithField("user", s.Viewer.Email).Infof("Event ID: %s, Description: Task %s", event, taskID)
}

// fail logs a mutation failure and tears the session down when the
// credential was rejected. The cache is never touched.
func (s *Session) fail(op, taskID string, err error) error {
	fields := logrus.Fields{"user": s.Viewer.Email, "op": op, "task_id": taskID}
	var be *BackendError
	if errors.As(err, &be) {
		fields["service"] = be.Service
		if be.Status != 0 {
			fields["status"] = be.Status
		}
	}
	entry := logging.Logger.WithFields(fields)
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
		entry.Warnf("Event ID: MUTATION_REJECTED, Description: %v", err)
	} else {
		entry.Errorf("Event ID: MUTATION_FAILED, Description: %v", err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		s.Teardown()
	}
	return err
}

func (s *Session) passFailed(err error) {
	if errors.Is(err, ErrUnauthenticated) {
		s.Teardown()
	}
}

// Teardown drops the session from its registry and stops its controller.
// Safe to call more than once.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		if s.onTeardown != nil {
			s.onTeardown(s)
		}
		s.expiryMu.Lock()
		if s.expiry != nil {
			s.expiry.Stop()
		}
		s.expiryMu.Unlock()
		s.controller.Close()
		s.cancel()
		logging.Logger.WithField("user", s.Viewer.Email).Infof("Event ID: SESSION_TEARDOWN, Description: Session closed")
	})
}

// SessionRegistry maps bearer tokens to live sessions.
type SessionRegistry struct {
	backends Backends
	opts     SessionOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionRegistry(backends Backends, opts SessionOptions) *SessionRegistry {
	return &SessionRegistry{
		backends: backends,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for token, creating it and starting the first
// pass when none exists. A new session is torn down when the token expires;
// a zero expiresAt leaves it open until logout.
func (r *SessionRegistry) Open(token string, viewer models.Viewer, expiresAt time.Time) *Session {
	r.mu.Lock()
	if s, ok := r.sessions[token]; ok {
		r.mu.Unlock()
		return s
	}
	s := NewSession(token, viewer, r.backends, r.opts)
	s.onTeardown = r.drop
	r.sessions[token] = s
	r.mu.Unlock()

	logging.Logger.WithField("user", viewer.Email).Infof("Event ID: SESSION_OPENED, Description: Session opened for viewer %s", viewer.ID)
	if !expiresAt.IsZero() {
		s.expireAt(r.afterFunc(), expiresAt)
	}
	s.Refresh()
	return s
}

func (r *SessionRegistry) afterFunc() AfterFunc {
	if r.opts.AfterFunc != nil {
		return r.opts.AfterFunc
	}
	return realAfterFunc
}

func (s *Session) expireAt(afterFunc AfterFunc, at time.Time) {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	s.expiry = afterFunc(time.Until(at), func() {
		logging.Logger.WithField("user", s.Viewer.Email).Infof("Event ID: SESSION_EXPIRED, Description: Token expired, closing session")
		s.Teardown()
	})
}

func (r *SessionRegistry) Get(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	return s, ok
}

// Logout tears down the session for token. It reports whether one existed.
func (r *SessionRegistry) Logout(token string) bool {
	r.mu.Lock()
	s, ok := r.sessions[token]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Teardown()
	return true
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close tears down every session and waits for their passes to finish.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.Teardown()
		s.controller.Wait()
	}
}

func (r *SessionRegistry) drop(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Token]; ok && cur == s {
		delete(r.sessions, s.Token)
	}
}
