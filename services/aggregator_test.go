package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trello-project/microservices/task-view-service/models"
)

type fakeLister struct {
	listFn func(ctx context.Context, search string, hint models.FilterMode) ([]models.Task, error)
}

func (f fakeLister) List(ctx context.Context, search string, hint models.FilterMode) ([]models.Task, error) {
	return f.listFn(ctx, search, hint)
}

type fakeIdentities struct {
	resolveFn func(ctx context.Context, ids []string) (map[string]Resolution, error)
}

func (f fakeIdentities) ResolveMany(ctx context.Context, ids []string) (map[string]Resolution, error) {
	return f.resolveFn(ctx, ids)
}

type fakeCollaborators struct {
	listFn func(ctx context.Context, taskID string) ([]models.Collaborator, error)
}

func (f fakeCollaborators) ListCollaborators(ctx context.Context, taskID string) ([]models.Collaborator, error) {
	return f.listFn(ctx, taskID)
}

func staticTasks(tasks ...models.Task) fakeLister {
	return fakeLister{listFn: func(context.Context, string, models.FilterMode) ([]models.Task, error) {
		return tasks, nil
	}}
}

func knownIdentities(known map[string]models.IdentityView) fakeIdentities {
	return fakeIdentities{resolveFn: func(_ context.Context, ids []string) (map[string]Resolution, error) {
		out := map[string]Resolution{}
		for _, id := range ids {
			if v, ok := known[id]; ok {
				out[id] = Resolution{Identity: v, Found: true}
			} else {
				out[id] = Resolution{Identity: models.UnknownIdentity(id)}
			}
		}
		return out, nil
	}}
}

func noCollaborators() fakeCollaborators {
	return fakeCollaborators{listFn: func(context.Context, string) ([]models.Collaborator, error) {
		return nil, nil
	}}
}

func ids(tasks []models.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestAggregateEnrichesOwnersWithoutDroppingTasks(t *testing.T) {
	tasks := staticTasks(
		models.Task{ID: "t1", Title: "one", OwnerRef: "o1"},
		models.Task{ID: "t2", Title: "two", OwnerRef: "o2", AssigneeRef: "o1"},
		models.Task{ID: "t3", Title: "three"},
	)
	identities := knownIdentities(map[string]models.IdentityView{"o1": {ID: "o1", Email: "o1@example.com"}})
	agg := NewAggregator(tasks, identities, noCollaborators(), 4)

	got, err := agg.Aggregate(context.Background(), Query{Filter: models.FilterAll})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if want := []string{"t1", "t2", "t3"}; len(got) != 3 || ids(got)[0] != want[0] || ids(got)[1] != want[1] || ids(got)[2] != want[2] {
		t.Fatalf("expected store order %v, got %v", want, ids(got))
	}
	if got[0].Owner == nil || got[0].Owner.Email != "o1@example.com" {
		t.Fatalf("expected resolved owner, got %+v", got[0].Owner)
	}
	if got[1].Owner == nil || !got[1].Owner.Unknown || got[1].Owner.ID != "o2" {
		t.Fatalf("expected unknown sentinel for o2, got %+v", got[1].Owner)
	}
	if got[1].Assignee == nil || got[1].Assignee.Email != "o1@example.com" {
		t.Fatalf("expected assignee resolved in the same pass, got %+v", got[1].Assignee)
	}
	if got[2].Owner != nil {
		t.Fatalf("expected no owner for a task without owner ref, got %+v", got[2].Owner)
	}
}

func TestAggregateResolvesEachIdentityOnce(t *testing.T) {
	var calls [][]string
	identities := fakeIdentities{resolveFn: func(_ context.Context, ids []string) (map[string]Resolution, error) {
		calls = append(calls, ids)
		return map[string]Resolution{}, nil
	}}
	tasks := staticTasks(
		models.Task{ID: "t1", OwnerRef: "o1"},
		models.Task{ID: "t2", OwnerRef: "o1"},
		models.Task{ID: "t3", OwnerRef: "o2", Owner: &models.IdentityView{ID: "o2", Email: "embedded@example.com"}},
	)
	agg := NewAggregator(tasks, identities, noCollaborators(), 4)
	if _, err := agg.Aggregate(context.Background(), Query{}); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one resolution batch, got %d", len(calls))
	}
	for _, id := range calls[0] {
		if id == "o2" {
			t.Fatal("expected embedded owner not to be looked up")
		}
	}
}

func TestCollaboratorFilterKeepsExactSubset(t *testing.T) {
	var hint models.FilterMode
	tasks := fakeLister{listFn: func(_ context.Context, _ string, h models.FilterMode) ([]models.Task, error) {
		hint = h
		return []models.Task{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}, {ID: "t5"}}, nil
	}}
	edges := map[string][]string{
		"t1": {"viewer@example.com", "bob@example.com"},
		"t2": {"bob@example.com"},
		"t4": {"Viewer@Example.com"},
		"t5": {},
	}
	var mu sync.Mutex
	fetched := map[string]int{}
	collaborators := fakeCollaborators{listFn: func(_ context.Context, taskID string) ([]models.Collaborator, error) {
		mu.Lock()
		fetched[taskID]++
		mu.Unlock()
		if taskID == "t3" {
			return nil, &BackendError{Service: "collaborator-service", Kind: ErrUnavailable}
		}
		var out []models.Collaborator
		for _, email := range edges[taskID] {
			out = append(out, models.Collaborator{Identity: models.IdentityView{ID: "uid-" + email, Email: email}})
		}
		return out, nil
	}}
	agg := NewAggregator(tasks, knownIdentities(nil), collaborators, 2)

	got, err := agg.Aggregate(context.Background(), Query{
		Filter: models.FilterCollaborator,
		Viewer: models.Viewer{ID: "v", Email: "viewer@example.com"},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if hint != models.FilterAll {
		t.Fatalf("expected collaborator filter never to reach the store, got hint %q", hint)
	}
	if g := ids(got); len(g) != 2 || g[0] != "t1" || g[1] != "t4" {
		t.Fatalf("expected [t1 t4], got %v", g)
	}
	if len(got[0].Collaborators) != 2 {
		t.Fatalf("expected fetched collaborators attached, got %+v", got[0].Collaborators)
	}
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		if fetched[id] != 1 {
			t.Fatalf("expected one collaborator fetch for %s, got %d", id, fetched[id])
		}
	}
}

func TestCollaboratorFilterPropagatesRejectedCredential(t *testing.T) {
	collaborators := fakeCollaborators{listFn: func(context.Context, string) ([]models.Collaborator, error) {
		return nil, &BackendError{Service: "collaborator-service", Status: 401, Kind: ErrUnauthenticated}
	}}
	agg := NewAggregator(staticTasks(models.Task{ID: "t1"}, models.Task{ID: "t2"}), knownIdentities(nil), collaborators, 2)
	_, err := agg.Aggregate(context.Background(), Query{Filter: models.FilterCollaborator, Viewer: models.Viewer{Email: "v@example.com"}})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAggregateFailsOnlyWhenTaskListFails(t *testing.T) {
	failing := fakeLister{listFn: func(context.Context, string, models.FilterMode) ([]models.Task, error) {
		return nil, &BackendError{Service: "tasks-service", Kind: ErrUnavailable}
	}}
	agg := NewAggregator(failing, knownIdentities(nil), noCollaborators(), 2)
	if _, err := agg.Aggregate(context.Background(), Query{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	brokenIdentities := fakeIdentities{resolveFn: func(context.Context, []string) (map[string]Resolution, error) {
		return nil, errors.New("identity service exploded")
	}}
	agg = NewAggregator(staticTasks(models.Task{ID: "t1", OwnerRef: "o1"}), brokenIdentities, noCollaborators(), 2)
	got, err := agg.Aggregate(context.Background(), Query{})
	if err != nil {
		t.Fatalf("expected identity failure to degrade, got %v", err)
	}
	if len(got) != 1 || got[0].Owner == nil || !got[0].Owner.Unknown {
		t.Fatalf("expected task kept with unknown owner, got %+v", got)
	}
}

func TestAggregatePassesDelegableFilterToStore(t *testing.T) {
	var hint models.FilterMode
	var search string
	tasks := fakeLister{listFn: func(_ context.Context, s string, h models.FilterMode) ([]models.Task, error) {
		search, hint = s, h
		return nil, nil
	}}
	agg := NewAggregator(tasks, knownIdentities(nil), noCollaborators(), 2)
	if _, err := agg.Aggregate(context.Background(), Query{Search: "milk", Filter: models.FilterAssigned}); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if hint != models.FilterAssigned || search != "milk" {
		t.Fatalf("expected assigned/milk, got %q/%q", hint, search)
	}
}

func TestAggregateDoesNotAliasStoreResult(t *testing.T) {
	source := []models.Task{{ID: "t1", OwnerRef: "o1"}}
	agg := NewAggregator(staticTasks(source...), knownIdentities(nil), noCollaborators(), 2)
	if _, err := agg.Aggregate(context.Background(), Query{}); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if source[0].Owner != nil {
		t.Fatal("expected the pass to write into its own buffer")
	}
}

func TestCollaboratorFilterFillsInvitationFromViewerEdge(t *testing.T) {
	added := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	owner := models.IdentityView{ID: "o1", Email: "owner@example.com"}
	recorded := &models.Invitation{By: models.IdentityView{ID: "o2", Email: "other@example.com"}}
	tasks := staticTasks(models.Task{ID: "t1"}, models.Task{ID: "t2", InvitedBy: recorded})
	collaborators := fakeCollaborators{listFn: func(context.Context, string) ([]models.Collaborator, error) {
		return []models.Collaborator{
			{Identity: models.IdentityView{ID: "b", Email: "bob@example.com"}, InvitedBy: &models.IdentityView{ID: "x"}},
			{Identity: models.IdentityView{ID: "v", Email: "viewer@example.com"}, AddedAt: &added, InvitedBy: &owner},
		}, nil
	}}
	agg := NewAggregator(tasks, knownIdentities(nil), collaborators, 2)

	got, err := agg.Aggregate(context.Background(), Query{
		Filter: models.FilterCollaborator,
		Viewer: models.Viewer{ID: "v", Email: "Viewer@example.com"},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both tasks kept, got %v", ids(got))
	}
	inv := got[0].InvitedBy
	if inv == nil || inv.By.Email != "owner@example.com" || inv.At == nil || !inv.At.Equal(added) {
		t.Fatalf("expected invitation from the viewer's edge, got %+v", inv)
	}
	if got[1].InvitedBy == nil || got[1].InvitedBy.By.Email != "other@example.com" {
		t.Fatalf("expected the store's invitation kept, got %+v", got[1].InvitedBy)
	}
}
