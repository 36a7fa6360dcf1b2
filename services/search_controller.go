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

const DefaultSearchDebounce = 500 * time.Millisecond

type PassState int

const (
	StateIdle PassState = iota
	StatePending
	StateFetching
)

func (s PassState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	default:
		return "idle"
	}
}

// PassResult reports how one aggregation pass ended.
type PassResult struct {
	Generation uint64
	Search     string
	Filter     models.FilterMode
	Committed  bool
	Err        error
}

type Aggregation interface {
	Aggregate(ctx context.Context, q Query) ([]models.Task, error)
}

// Timer is the part of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type ControllerOption func(*SearchController)

func WithDebounce(d time.Duration) ControllerOption {
	return func(c *SearchController) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithAfterFunc replaces the timer source used for debouncing.
func WithAfterFunc(fn AfterFunc) ControllerOption {
	return func(c *SearchController) { c.afterFunc = fn }
}

// WithPassObserver is called once for every finished pass, stale or not.
func WithPassObserver(fn func(PassResult)) ControllerOption {
	return func(c *SearchController) { c.observe = fn }
}

// WithErrorHandler receives errors of current passes and any ErrUnauthenticated.
func WithErrorHandler(fn func(error)) ControllerOption {
	return func(c *SearchController) { c.onError = fn }
}

// SearchController debounces search text, runs aggregation passes and lets
// only the most recently issued pass commit into the cache, and only while
// its search and filter are still the controller's. Superseded passes run to
// completion and their results are dropped.
type SearchController struct {
	ctx       context.Context
	agg       Aggregation
	cache     *ViewCache
	viewer    models.Viewer
	debounce  time.Duration
	afterFunc AfterFunc
	observe   func(PassResult)
	onError   func(error)

	mu         sync.Mutex
	search     string
	filter     models.FilterMode
	timer      Timer
	timerSeq   uint64
	issued     uint64
	latestDone bool
	closed     bool
	lastErr    error
	wg         sync.WaitGroup
}

func NewSearchController(ctx context.Context, agg Aggregation, cache *ViewCache, viewer models.Viewer, opts ...ControllerOption) *SearchController {
	c := &SearchController{
		ctx:        ctx,
		agg:        agg,
		cache:      cache,
		viewer:     viewer,
		debounce:   DefaultSearchDebounce,
		afterFunc:  realAfterFunc,
		filter:     models.FilterAll,
		latestDone: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSearch records new search text and (re)starts the debounce window.
func (c *SearchController) SetSearch(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.search = text
	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.afterFunc(c.debounce, func() { c.fire(seq) })
}

// SetFilter switches filter mode and starts a pass right away.
func (c *SearchController) SetFilter(mode models.FilterMode) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.filter = mode
	c.stopTimerLocked()
	return c.startLocked()
}

// Refresh starts a pass with the current search and filter right away.
func (c *SearchController) Refresh() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.stopTimerLocked()
	return c.startLocked()
}

func (c *SearchController) fire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A timer that was reset after it already fired must not start a pass.
	if c.closed || seq != c.timerSeq || c.timer == nil {
		return
	}
	c.timer = nil
	c.startLocked()
}

func (c *SearchController) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *SearchController) startLocked() uint64 {
	c.issued++
	gen := c.issued
	c.latestDone = false
	q := Query{Search: c.search, Filter: c.filter, Viewer: c.viewer}
	c.wg.Add(1)
	go c.run(gen, q)
	return gen
}

func (c *SearchController) run(gen uint64, q Query) {
	defer c.wg.Done()
	log := logging.Logger.WithFields(logrus.Fields{"generation": gen, "filter": q.Filter, "viewer": q.Viewer.Email})
	log.Debugf("Event ID: PASS_STARTED, Description: Aggregation pass started for search %q", q.Search)

	tasks, err := c.agg.Aggregate(c.ctx, q)

	c.mu.Lock()
	latest := !c.closed && gen == c.issued
	if latest {
		c.latestDone = true
	}
	// Text typed while the pass ran makes its result stale too; the pending
	// timer will start the pass for the new text.
	current := latest && q.Search == c.search && q.Filter == c.filter
	committed := false
	if current {
		c.lastErr = err
		if err == nil {
			committed = c.cache.Commit(gen, tasks)
		}
	}
	c.mu.Unlock()

	switch {
	case committed:
		log.Debugf("Event ID: PASS_COMMITTED, Description: Committed %d tasks", len(tasks))
	case !current:
		log.Debugf("Event ID: PASS_DISCARDED, Description: Pass superseded, result dropped")
	case err != nil:
		log.Warnf("Event ID: PASS_FAILED, Description: Aggregation pass failed: %v", err)
	}

	if c.observe != nil {
		c.observe(PassResult{Generation: gen, Search: q.Search, Filter: q.Filter, Committed: committed, Err: err})
	}
	if err != nil && c.onError != nil && (current || errors.Is(err, ErrUnauthenticated)) {
		c.onError(err)
	}
}

func (c *SearchController) State() PassState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return StateIdle
	case c.timer != nil:
		return StatePending
	case !c.latestDone:
		return StateFetching
	default:
		return StateIdle
	}
}

// Current returns the search text and filter the next pass will use.
func (c *SearchController) Current() (string, models.FilterMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.search, c.filter
}

// LastError is the error of the most recent current pass, nil after a commit.
func (c *SearchController) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close stops the debounce timer; passes still running are dropped when they finish.
func (c *SearchController) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
}

// Wait blocks until every started pass has finished.
func (c *SearchController) Wait() {
	c.wg.Wait()
}
