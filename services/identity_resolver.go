package services

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"trello-project/microservices/task-view-service/logging"
	"trello-project/microservices/task-view-service/models"
)

const DefaultIdentityFanout = 50

// Resolution is the outcome of one identity lookup. Found is false for
// unknown ids and for lookups that failed.
type Resolution struct {
	Identity models.IdentityView
	Found    bool
}

// IdentityResolver looks identities up in the identity service. It keeps no
// cache of its own: display names change, so memoization only lives for one
// aggregation pass (see NewPass).
type IdentityResolver struct {
	backend   *Backend
	token     string
	maxFanout int
}

func NewIdentityResolver(backend *Backend, token string, maxFanout int) *IdentityResolver {
	if maxFanout < 1 {
		maxFanout = DefaultIdentityFanout
	}
	return &IdentityResolver{backend: backend, token: token, maxFanout: maxFanout}
}

func (r *IdentityResolver) lookup(ctx context.Context, id string) (models.IdentityView, error) {
	var rec identityRecord
	err := r.backend.do(ctx, call{
		op:     "get user",
		method: http.MethodGet,
		path:   "/users/" + url.PathEscape(id),
		token:  r.token,
		out:    &rec,
	})
	if err != nil {
		return models.IdentityView{}, err
	}
	view := rec.view()
	if view.ID == "" {
		view.ID = id
	}
	return view, nil
}

// NewPass starts a memoized resolution scope for one aggregation pass.
func (r *IdentityResolver) NewPass() *ResolutionPass {
	return &ResolutionPass{resolver: r, memo: make(map[string]Resolution)}
}

// ResolveMany resolves ids in a fresh pass.
func (r *IdentityResolver) ResolveMany(ctx context.Context, ids []string) (map[string]Resolution, error) {
	return r.NewPass().ResolveMany(ctx, ids)
}

type ResolutionPass struct {
	resolver *IdentityResolver
	mu       sync.Mutex
	memo     map[string]Resolution
}

// ResolveMany looks up every distinct id with bounded concurrency. Failed
// lookups resolve to NotFound and never fail the call. The returned error is
// ErrUnauthenticated only when every lookup was rejected with 401, which means
// the session credential itself is gone.
func (p *ResolutionPass) ResolveMany(ctx context.Context, ids []string) (map[string]Resolution, error) {
	out := make(map[string]Resolution, len(ids))

	p.mu.Lock()
	var pending []string
	queued := make(map[string]struct{})
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if res, ok := p.memo[id]; ok {
			out[id] = res
			continue
		}
		if _, ok := queued[id]; ok {
			continue
		}
		queued[id] = struct{}{}
		pending = append(pending, id)
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return out, nil
	}

	var (
		mu        sync.Mutex
		unauthCnt int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(pending), p.resolver.maxFanout))
	for _, id := range pending {
		g.Go(func() error {
			view, err := p.resolver.lookup(gctx, id)
			res := Resolution{Identity: view, Found: err == nil}
			if err != nil {
				res.Identity = models.UnknownIdentity(id)
				if errors.Is(err, ErrUnauthenticated) {
					mu.Lock()
					unauthCnt++
					mu.Unlock()
				}
				if !errors.Is(err, ErrNotFound) {
					logging.Logger.Warnf("Event ID: IDENTITY_LOOKUP_FAILED, Description: Could not resolve identity %s: %v", id, err)
				}
			}
			mu.Lock()
			out[id] = res
			mu.Unlock()
			// Per-item failures are captured in the result, never returned.
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	for _, id := range pending {
		p.memo[id] = out[id]
	}
	p.mu.Unlock()

	if unauthCnt == len(pending) {
		return out, &BackendError{Service: p.resolver.backend.Name, Op: "get user", Status: http.StatusUnauthorized, Kind: ErrUnauthenticated}
	}
	return out, nil
}
