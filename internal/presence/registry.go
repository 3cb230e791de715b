// Package presence maps user identities to the live connections held by
// this relay instance, and optionally shares presence with other instances.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle is one live connection of a user.
type Handle interface {
	ID() string
	UserID() string
	// Push hands payload to the connection. It must give up when ctx is done.
	Push(ctx context.Context, payload []byte) error
	Close()
}

// Directory records presence across instances.
type Directory interface {
	Add(ctx context.Context, userID, handleID string) error
	Remove(ctx context.Context, userID, handleID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Registry tracks the handles held by this process. A user may have any
// number of handles; registering is additive.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Handle

	dir Directory
	log *zap.Logger

	// OnChange is called with the number of registered handles after every
	// change. Optional.
	OnChange func(total int)
	total    int
}

func NewRegistry(dir Directory, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byUser: make(map[string]map[string]Handle),
		dir:    dir,
		log:    log,
	}
}

func (r *Registry) Register(ctx context.Context, h Handle) {
	r.mu.Lock()
	set, ok := r.byUser[h.UserID()]
	if !ok {
		set = make(map[string]Handle)
		r.byUser[h.UserID()] = set
	}
	if _, dup := set[h.ID()]; !dup {
		set[h.ID()] = h
		r.total++
	}
	total := r.total
	r.mu.Unlock()

	r.changed(total)
	if r.dir != nil {
		if err := r.dir.Add(ctx, h.UserID(), h.ID()); err != nil {
			r.log.Warn("presence directory add failed", zap.String("user", h.UserID()), zap.String("handle", h.ID()), zap.Error(err))
		}
	}
}

// Unregister removes h and reports whether it was registered.
func (r *Registry) Unregister(ctx context.Context, h Handle) bool {
	r.mu.Lock()
	set, ok := r.byUser[h.UserID()]
	if ok {
		_, ok = set[h.ID()]
	}
	if ok {
		delete(set, h.ID())
		if len(set) == 0 {
			delete(r.byUser, h.UserID())
		}
		r.total--
	}
	total := r.total
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.changed(total)
	if r.dir != nil {
		if err := r.dir.Remove(ctx, h.UserID(), h.ID()); err != nil {
			r.log.Warn("presence directory remove failed", zap.String("user", h.UserID()), zap.String("handle", h.ID()), zap.Error(err))
		}
	}
	return true
}

// HandlesFor returns a snapshot of userID's local handles. Empty means the
// user has no connection on this instance.
func (r *Registry) HandlesFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]Handle, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// IsOnline answers for the whole cluster when a directory is configured,
// otherwise for this instance only.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	if len(r.HandlesFor(userID)) > 0 {
		return true, nil
	}
	if r.dir == nil {
		return false, nil
	}
	return r.dir.IsOnline(ctx, userID)
}

// CloseAll closes and forgets every local handle.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	var all []Handle
	for _, set := range r.byUser {
		for _, h := range set {
			all = append(all, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range all {
		r.Unregister(ctx, h)
		h.Close()
	}
}

// RunHeartbeat re-announces local handles to the directory every interval
// so directory entries outlive their TTL only while the connection does.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if r.dir == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			var all []Handle
			for _, set := range r.byUser {
				for _, h := range set {
					all = append(all, h)
				}
			}
			r.mu.RUnlock()
			for _, h := range all {
				if err := r.dir.Add(ctx, h.UserID(), h.ID()); err != nil {
					r.log.Warn("presence heartbeat failed", zap.String("user", h.UserID()), zap.Error(err))
				}
			}
		}
	}
}

func (r *Registry) changed(total int) {
	if r.OnChange != nil {
		r.OnChange(total)
	}
}
