package registry

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

// fakeDriver counts StartInstance/StopInstance calls and hands back a fresh
// instance id each time, so tests can assert exactly how many sandboxes a
// sequence of Acquire/Release calls actually started or tore down.
type fakeDriver struct {
	mu          sync.Mutex
	startCalls  int32
	stopCalls   int32
	nextID      int64
	alive       map[string]bool
	startDelay  time.Duration
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{alive: make(map[string]bool)}
}

func (f *fakeDriver) BuildImage(ctx context.Context, tag string) error { return nil }

func (f *fakeDriver) StartInstance(ctx context.Context, userID, image string, d config.Defaults, ws string) (string, error) {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	atomic.AddInt32(&f.startCalls, 1)
	id := atomic.AddInt64(&f.nextID, 1)
	instanceID := "inst-" + userID + "-" + strconv.FormatInt(id, 10)

	f.mu.Lock()
	f.alive[instanceID] = true
	f.mu.Unlock()
	return instanceID, nil
}

func (f *fakeDriver) Exec(ctx context.Context, instanceID string, argv []string, timeout int) ([]byte, int, error) {
	return nil, 0, nil
}
func (f *fakeDriver) AttachPTY(ctx context.Context, instanceID string, argv []string, cols, rows int) (sandbox.PTYStream, error) {
	return nil, nil
}
func (f *fakeDriver) AttachProcess(ctx context.Context, instanceID string, argv []string) (sandbox.ProcessStream, error) {
	return nil, nil
}
func (f *fakeDriver) WriteFile(ctx context.Context, instanceID, path string, content []byte) error {
	return nil
}
func (f *fakeDriver) ReadFile(ctx context.Context, instanceID, path string, maxBytes int) ([]byte, bool, error) {
	return nil, false, nil
}

func (f *fakeDriver) IsAlive(ctx context.Context, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[instanceID], nil
}

func (f *fakeDriver) StopInstance(ctx context.Context, instanceID string) error {
	atomic.AddInt32(&f.stopCalls, 1)
	f.mu.Lock()
	delete(f.alive, instanceID)
	f.mu.Unlock()
	return nil
}

func newTestRegistry(driver sandbox.Driver, gracePeriod time.Duration) *Registry {
	cfg := &config.Config{
		DefaultImage: "sandbox-runtime:base",
		Registry:     config.RegistryConfig{GracePeriodMs: int(gracePeriod.Milliseconds())},
	}
	return New(cfg, driver, nil, nil)
}

// Property 1: single-instance per user under contention. N concurrent
// Acquire calls for the same user against a cold registry must result in
// exactly one StartInstance call, and every caller observes the same
// instance id.
func TestAcquire_ConcurrentSameUser_StartsOneInstance(t *testing.T) {
	driver := newFakeDriver()
	driver.startDelay = 20 * time.Millisecond
	reg := newTestRegistry(driver, time.Second)

	const n = 20
	var wg sync.WaitGroup
	infos := make([]*Info, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			info, err := reg.Acquire(context.Background(), "alice", "", "")
			require.NoError(t, err)
			infos[idx] = info
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, driver.startCalls)
	for _, info := range infos {
		require.NotNil(t, info)
		assert.Equal(t, infos[0].InstanceID, info.InstanceID)
	}

	info, err := reg.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, n, info.RefCount)
}

// Acquires for different users must proceed independently and each start
// their own sandbox.
func TestAcquire_DifferentUsers_StartIndependentInstances(t *testing.T) {
	driver := newFakeDriver()
	reg := newTestRegistry(driver, time.Second)

	infoA, err := reg.Acquire(context.Background(), "alice", "", "")
	require.NoError(t, err)
	infoB, err := reg.Acquire(context.Background(), "bob", "", "")
	require.NoError(t, err)

	assert.EqualValues(t, 2, driver.startCalls)
	assert.NotEqual(t, infoA.InstanceID, infoB.InstanceID)
}

// Property 2 / E2E-2: a release that empties connections, followed by an
// acquire within the grace period, must not call StopInstance, and the
// reused session keeps the same instance id.
func TestRelease_ReacquireWithinGracePeriod_NoTeardown(t *testing.T) {
	driver := newFakeDriver()
	reg := newTestRegistry(driver, 200*time.Millisecond)

	info1, err := reg.Acquire(context.Background(), "alice", "", "")
	require.NoError(t, err)

	require.NoError(t, reg.Release("alice"))

	info2, err := reg.Acquire(context.Background(), "alice", "", "")
	require.NoError(t, err)

	assert.Equal(t, info1.InstanceID, info2.InstanceID)
	assert.EqualValues(t, 1, driver.startCalls)
	assert.EqualValues(t, 0, driver.stopCalls)

	// Let the (canceled) grace timer's window pass, to make sure no delayed
	// teardown still fires against the reused session.
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 0, driver.stopCalls)
}

// Property 2: a release followed by no acquire within GRACE_PERIOD + epsilon
// results in exactly one StopInstance call, and the registry converges to
// "no session" for that user.
func TestRelease_NoReacquire_TeardownAfterGracePeriod(t *testing.T) {
	driver := newFakeDriver()
	reg := newTestRegistry(driver, 50*time.Millisecond)

	_, err := reg.Acquire(context.Background(), "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, reg.Release("alice"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&driver.stopCalls) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = reg.Get("alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

// E2E-1: acquiring on an empty registry starts exactly one instance and
// reports it alive.
func TestAcquire_ColdStart(t *testing.T) {
	driver := newFakeDriver()
	reg := newTestRegistry(driver, time.Second)

	info, err := reg.Acquire(context.Background(), "alice", "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, driver.startCalls)

	alive, err := driver.IsAlive(context.Background(), info.InstanceID)
	require.NoError(t, err)
	assert.True(t, alive)
}

// A disallowed image is rejected before any sandbox is started.
func TestAcquire_DisallowedImage(t *testing.T) {
	driver := newFakeDriver()
	cfg := &config.Config{
		DefaultImage:  "sandbox-runtime:base",
		AllowedImages: []string{"sandbox-runtime:base"},
		Registry:      config.RegistryConfig{GracePeriodMs: 1000},
	}
	reg := New(cfg, driver, nil, nil)

	_, err := reg.Acquire(context.Background(), "alice", "evil:latest", "")
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.EqualValues(t, 0, driver.startCalls)
}

// Releasing a user with no session is reported, not silently ignored.
func TestRelease_UnknownUser(t *testing.T) {
	driver := newFakeDriver()
	reg := newTestRegistry(driver, time.Second)

	err := reg.Release("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
