package services

import (
	"sync"

	"trello-project/microservices/task-view-service/models"
)

// ViewCache holds the last committed task view. Every write keys on task id and
// the list never holds two entries with the same id.
type ViewCache struct {
	mu         sync.RWMutex
	tasks      []models.Task
	generation uint64
}

func NewViewCache() *ViewCache {
	return &ViewCache{}
}

// Snapshot returns a copy of the cached list.
func (c *ViewCache) Snapshot() []models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Task, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = t.Clone()
	}
	return out
}

// Generation is the generation of the last committed full list.
func (c *ViewCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *ViewCache) Get(id string) (models.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.tasks[i].Clone(), true
	}
	return models.Task{}, false
}

// Commit replaces the whole list with the result of pass gen. A pass older than
// the last committed one is rejected.
func (c *ViewCache) Commit(gen uint64, tasks []models.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen < c.generation {
		return false
	}
	seen := make(map[string]struct{}, len(tasks))
	next := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		next = append(next, t.Clone())
	}
	c.tasks = next
	c.generation = gen
	return true
}

// Prepend puts a freshly created task at the front. If the id is already
// cached that entry is dropped first.
func (c *ViewCache) Prepend(task models.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(task.ID); i >= 0 {
		c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
	}
	c.tasks = append([]models.Task{task.Clone()}, c.tasks...)
}

// ReplaceRecord swaps in the store's version of a task. Derived fields the
// record doesn't carry are kept from the cached entry; the assignee view is
// kept only while the assignee reference is unchanged. It is a no-op returning
// false when the id is no longer cached.
func (c *ViewCache) ReplaceRecord(record models.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(record.ID)
	if i < 0 {
		return false
	}
	c.tasks[i] = mergeRecord(c.tasks[i], record.Clone())
	return true
}

func mergeRecord(cached, record models.Task) models.Task {
	merged := record
	if merged.OwnerRef == "" {
		merged.OwnerRef = cached.OwnerRef
	}
	if merged.Owner == nil && merged.OwnerRef == cached.OwnerRef {
		merged.Owner = cached.Owner
	}
	if merged.Collaborators == nil {
		merged.Collaborators = cached.Collaborators
	}
	if merged.InvitedBy == nil {
		merged.InvitedBy = cached.InvitedBy
	}
	if merged.Assignee == nil && merged.AssigneeRef != "" && merged.AssigneeRef == cached.AssigneeRef {
		merged.Assignee = cached.Assignee
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = cached.CreatedAt
	}
	return merged
}

func (c *ViewCache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
	return true
}

// SetCollaborators patches the collaborator list of a cached task.
func (c *ViewCache) SetCollaborators(id string, collaborators []models.Collaborator) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.tasks[i].Collaborators = append([]models.Collaborator{}, collaborators...)
	return true
}

func (c *ViewCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

func (c *ViewCache) indexOf(id string) int {
	for i := range c.tasks {
		if c.tasks[i].ID == id {
			return i
		}
	}
	return -1
}
