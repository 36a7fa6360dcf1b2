package services

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/models"
)

const DefaultCollaboratorFanout = 16

type TaskLister interface {
	List(ctx context.Context, search string, hint models.FilterMode) ([]models.Task, error)
}

type IdentityLookup interface {
	ResolveMany(ctx context.Context, ids []string) (map[string]Resolution, error)
}

type CollaboratorLister interface {
	ListCollaborators(ctx context.Context, taskID string) ([]models.Collaborator, error)
}

// Query is the input of one aggregation pass.
type Query struct {
	Search string
	Filter models.FilterMode
	Viewer models.Viewer
}

// Aggregator merges task records, identities and collaborator edges into the
// task view.
type Aggregator struct {
	tasks              TaskLister
	identities         IdentityLookup
	collaborators      CollaboratorLister
	collaboratorFanout int
}

func NewAggregator(tasks TaskLister, identities IdentityLookup, collaborators CollaboratorLister, collaboratorFanout int) *Aggregator {
	if collaboratorFanout < 1 {
		collaboratorFanout = DefaultCollaboratorFanout
	}
	return &Aggregator{
		tasks:              tasks,
		identities:         identities,
		collaborators:      collaborators,
		collaboratorFanout: collaboratorFanout,
	}
}

// Aggregate runs one pass. Only a failed task list fails the pass; identity and
// collaborator lookups degrade per item. The result keeps the store's order.
//
// The collaborator filter costs one collaboration-service call per listed task
// on every pass. The store can't filter by collaborator and nothing caches the
// edges, so large lists make this the dominant cost of a pass.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) ([]models.Task, error) {
	filter := q.Filter
	if filter == "" {
		filter = models.FilterAll
	}
	hint := filter
	if !hint.Delegable() {
		hint = models.FilterAll
	}
	log := logging.Logger.WithFields(logrus.Fields{"filter": filter, "search": q.Search, "viewer": q.Viewer.Email})

	tasks, err := a.tasks.List(ctx, q.Search, hint)
	if err != nil {
		log.Errorf("Event ID: AGGREGATE_LIST_FAILED, Description: Task list fetch failed: %v", err)
		return nil, err
	}

	// The pass owns its buffer; nothing here aliases a committed cache entry.
	buf := make([]models.Task, len(tasks))
	for i := range tasks {
		buf[i] = tasks[i].Clone()
	}

	if err := a.enrichIdentities(ctx, buf); err != nil {
		return nil, err
	}

	if filter == models.FilterCollaborator {
		buf, err = a.keepCollaborating(ctx, buf, q.Viewer)
		if err != nil {
			return nil, err
		}
	}

	log.Debugf("Event ID: AGGREGATE_DONE, Description: Aggregated %d of %d tasks", len(buf), len(tasks))
	return buf, nil
}

func (a *Aggregator) enrichIdentities(ctx context.Context, tasks []models.Task) error {
	var ids []string
	for _, t := range tasks {
		if t.Owner == nil && t.OwnerRef != "" {
			ids = append(ids, t.OwnerRef)
		}
		if t.Assignee == nil && t.AssigneeRef != "" {
			ids = append(ids, t.AssigneeRef)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	resolved, err := a.identities.ResolveMany(ctx, ids)
	if errors.Is(err, ErrUnauthenticated) {
		return err
	}

	for i := range tasks {
		t := &tasks[i]
		if t.Owner == nil && t.OwnerRef != "" {
			t.Owner = identityOrUnknown(resolved, t.OwnerRef)
		}
		if t.Assignee == nil && t.AssigneeRef != "" {
			t.Assignee = identityOrUnknown(resolved, t.AssigneeRef)
		}
	}
	return nil
}

func identityOrUnknown(resolved map[string]Resolution, ref string) *models.IdentityView {
	if res, ok := resolved[ref]; ok && res.Found {
		v := res.Identity
		return &v
	}
	u := models.UnknownIdentity(ref)
	return &u
}

// keepCollaborating fetches every task's collaborators in parallel and keeps
// the tasks the viewer collaborates on. A task whose fetch fails is left out.
func (a *Aggregator) keepCollaborating(ctx context.Context, tasks []models.Task, viewer models.Viewer) ([]models.Task, error) {
	if len(tasks) == 0 {
		return tasks, nil
	}

	type outcome struct {
		collaborators []models.Collaborator
		err           error
	}
	results := make([]outcome, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(tasks), a.collaboratorFanout))
	for i := range tasks {
		g.Go(func() error {
			list, err := a.collaborators.ListCollaborators(gctx, tasks[i].ID)
			results[i] = outcome{collaborators: list, err: err}
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]models.Task, 0, len(tasks))
	unauthed := 0
	for i, res := range results {
		if res.err != nil {
			if errors.Is(res.err, ErrUnauthenticated) {
				unauthed++
			}
			logging.Logger.Warnf("Event ID: COLLABORATOR_FETCH_FAILED, Description: Skipping task %s, collaborators unavailable: %v", tasks[i].ID, res.err)
			continue
		}
		t := tasks[i]
		t.Collaborators = res.collaborators
		if t.HasCollaboratorEmail(viewer.Email) {
			if t.InvitedBy == nil {
				t.InvitedBy = invitationFor(viewer, t.Collaborators)
			}
			kept = append(kept, t)
		}
	}
	if unauthed == len(tasks) {
		return nil, results[0].err
	}
	return kept, nil
}

// invitationFor reads who added the viewer from the viewer's own edge.
func invitationFor(viewer models.Viewer, edges []models.Collaborator) *models.Invitation {
	for _, c := range edges {
		if c.InvitedBy != nil && strings.EqualFold(c.Identity.Email, viewer.Email) {
			return &models.Invitation{By: *c.InvitedBy, At: c.AddedAt}
		}
	}
	return nil
}
