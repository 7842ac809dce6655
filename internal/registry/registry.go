// Package registry implements the session orchestrator: admission and
// reference-counted lifecycle of one sandbox per user, grace-period
// teardown so page reloads don't bounce the sandbox, and startup
// reconciliation against whatever sandboxes the driver reports still
// running.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
	"github.com/cloudbox/cloudbox/internal/workspace"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalidImage  = errors.New("image not allowed")
)

// Session is one user's live sandbox. Registry is the only owner of this
// struct's mutable fields; callers interact with it only through Registry's
// methods.
type Session struct {
	UserID      string
	InstanceID  string
	Image       string
	WorkspaceID string
	CreatedAt   time.Time

	refCount  int
	stopTimer *time.Timer
}

// Info is the read-only snapshot returned to callers (API handlers).
type Info struct {
	UserID      string    `json:"user_id"`
	InstanceID  string    `json:"instance_id"`
	Image       string    `json:"image"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	RefCount    int       `json:"ref_count"`
}

// Registry is the SessionRegistry component. One process-wide instance.
type Registry struct {
	cfg    *config.Config
	driver sandbox.Driver
	pool   *Pool
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // userID -> Session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // userID -> startup-serialization lock

	// OnTeardown, if set, runs after a sandbox is actually stopped (grace
	// period elapsed with no re-acquire), so components keyed by instance id
	// (the LspProxy, the shared FilesystemMirror) can drop their state too.
	OnTeardown func(userID, instanceID string)

	// Workspace, if set (cfg.Workspace.Enabled), ensures a named persistent
	// volume exists before a sandbox using it is started. Nil means every
	// sandbox gets the ephemeral per-user-id volume StartInstance derives
	// on its own.
	Workspace *workspace.Manager
}

func New(cfg *config.Config, driver sandbox.Driver, pool *Pool, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		driver:   driver,
		pool:     pool,
		logger:   logger,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Registry) userLock(userID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[userID] = l
	}
	return l
}

func (r *Registry) removeUserLock(userID string) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	delete(r.locks, userID)
}

// Acquire returns the user's current sandbox, starting one if none exists,
// and increments its reference count. Concurrent Acquire calls for the same
// user serialize on a per-user mutex so only one sandbox is ever started.
func (r *Registry) Acquire(ctx context.Context, userID, image, workspaceID string) (*Info, error) {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if sess, ok := r.sessions[userID]; ok {
		if sess.stopTimer != nil {
			sess.stopTimer.Stop()
			sess.stopTimer = nil
		}
		sess.refCount++
		info := sessionInfo(sess)
		r.mu.Unlock()
		return &info, nil
	}
	r.mu.Unlock()

	if image == "" {
		image = r.cfg.DefaultImage
	}
	if !r.isImageAllowed(image) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, image)
	}

	if workspaceID == "" && r.cfg.Workspace.Enabled && r.cfg.Workspace.PersistByDefault {
		workspaceID = workspace.GenerateWorkspaceID(userID, "")
	}
	if workspaceID != "" && r.Workspace != nil {
		if err := r.ensureWorkspace(ctx, workspaceID); err != nil {
			return nil, fmt.Errorf("ensure workspace: %w", err)
		}
	}

	var instanceID string
	var err error
	fromPool := false
	if r.pool != nil {
		if id, ok := r.pool.Take(image); ok {
			instanceID = id
			fromPool = true
		}
	}
	if instanceID == "" {
		if err = r.driver.BuildImage(ctx, image); err != nil {
			return nil, fmt.Errorf("build image: %w", err)
		}
		instanceID, err = r.driver.StartInstance(ctx, userID, image, r.cfg.Defaults, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("start instance: %w", err)
		}
	}

	sess := &Session{
		UserID:      userID,
		InstanceID:  instanceID,
		Image:       image,
		WorkspaceID: workspaceID,
		CreatedAt:   time.Now(),
		refCount:    1,
	}

	r.mu.Lock()
	r.sessions[userID] = sess
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("sandbox acquired", "user_id", userID, "instance_id", instanceID, "from_pool", fromPool)
	}

	info := sessionInfo(sess)
	return &info, nil
}

// Release decrements the user's sandbox reference count. At zero, a grace
// period timer starts; if no new Acquire arrives before it fires, the
// sandbox is torn down. This absorbs a page reload (which releases then
// immediately re-acquires) without bouncing the container.
func (r *Registry) Release(userID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	sess.refCount--
	if sess.refCount > 0 {
		r.mu.Unlock()
		return nil
	}
	if sess.stopTimer != nil {
		sess.stopTimer.Stop()
	}
	sess.stopTimer = time.AfterFunc(r.cfg.Registry.GracePeriod(), func() {
		r.markStopping(userID, sess.InstanceID)
	})
	r.mu.Unlock()
	return nil
}

// markStopping tears down a sandbox whose grace period has elapsed without
// a re-acquire. Guards against a race where a new session replaced this one
// in the interim (instanceID no longer matches).
func (r *Registry) markStopping(userID, instanceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[userID]
	if !ok || sess.InstanceID != instanceID || sess.refCount > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, userID)
	r.mu.Unlock()
	r.removeUserLock(userID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.driver.StopInstance(ctx, instanceID); err != nil && r.logger != nil {
		r.logger.Error("teardown failed", "user_id", userID, "instance_id", instanceID, "error", err)
		return
	}
	if r.logger != nil {
		r.logger.Info("sandbox torn down", "user_id", userID, "instance_id", instanceID)
	}
	if r.OnTeardown != nil {
		r.OnTeardown(userID, instanceID)
	}
}

// sandboxLister is implemented by sandbox.DockerDriver; Reconcile uses it
// through a type assertion rather than widening the core Driver interface,
// since no other component needs to enumerate containers.
type sandboxLister interface {
	ListSandboxContainers(ctx context.Context) ([]sandbox.ContainerInfo, error)
}

// Reconcile adopts sandbox containers left by a previous daemon process
// (e.g. across a restart), running or stopped, so they aren't silently
// orphaned, and schedules
// each for grace-period teardown immediately since no connection has
// claimed it yet — a client that reconnects within the grace period resumes
// it exactly as if the daemon had never restarted. Grounded on the
// teacher's reaper's DB-vs-Docker diff, simplified: this registry holds no
// durable store, so "diff" here is just "adopt everything Docker reports".
func (r *Registry) Reconcile(ctx context.Context) {
	lister, ok := r.driver.(sandboxLister)
	if !ok {
		return
	}
	containers, err := lister.ListSandboxContainers(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("reconcile: list sandbox containers failed", "error", err)
		}
		return
	}

	r.mu.Lock()
	for _, c := range containers {
		if _, exists := r.sessions[c.UserID]; exists {
			continue
		}
		sess := &Session{
			UserID:     c.UserID,
			InstanceID: c.ContainerID,
			CreatedAt:  time.Now(),
			refCount:   0,
		}
		sess.stopTimer = time.AfterFunc(r.cfg.Registry.GracePeriod(), func() {
			r.markStopping(c.UserID, c.ContainerID)
		})
		r.sessions[c.UserID] = sess
	}
	r.mu.Unlock()

	if r.logger != nil && len(containers) > 0 {
		r.logger.Info("reconcile: adopted sandboxes from previous run", "count", len(containers))
	}
}

// Get returns the current session for a user without affecting its refcount.
func (r *Registry) Get(userID string) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	info := sessionInfo(sess)
	return &info, nil
}

// List returns all live sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sessionInfo(sess))
	}
	return out
}

// ensureWorkspace creates the named persistent volume on first use.
// Exists-then-Create rather than Create-and-ignore-"already exists" since the
// docker volume driver doesn't return a distinguishable error for that case.
func (r *Registry) ensureWorkspace(ctx context.Context, workspaceID string) error {
	exists, err := r.Workspace.Exists(ctx, workspace.GetVolumeName(workspaceID))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.Workspace.Create(ctx, workspace.GetVolumeName(workspaceID), map[string]string{
		"cloudbox.persistent": "true",
	})
}

func (r *Registry) isImageAllowed(image string) bool {
	if len(r.cfg.AllowedImages) == 0 {
		return true
	}
	for _, a := range r.cfg.AllowedImages {
		if a == image {
			return true
		}
	}
	return false
}

func sessionInfo(s *Session) Info {
	return Info{
		UserID:      s.UserID,
		InstanceID:  s.InstanceID,
		Image:       s.Image,
		WorkspaceID: s.WorkspaceID,
		CreatedAt:   s.CreatedAt,
		RefCount:    s.refCount,
	}
}
