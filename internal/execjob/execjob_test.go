package execjob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

type fakeDriver struct {
	files   map[string][]byte
	execLog [][]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{files: make(map[string][]byte)}
}

func (f *fakeDriver) BuildImage(ctx context.Context, tag string) error { return nil }
func (f *fakeDriver) StartInstance(ctx context.Context, userID, image string, d config.Defaults, ws string) (string, error) {
	return "inst", nil
}

func (f *fakeDriver) Exec(ctx context.Context, instanceID string, argv []string, timeout int) ([]byte, int, error) {
	f.execLog = append(f.execLog, argv)
	if len(argv) >= 2 && argv[0] == "sh" && argv[1] == "-c" {
		// Simulate a successful run: write canned stdout/empty stderr/exit 0
		// to whatever paths the ulimit command redirects to.
		cmd := argv[2]
		f.files[pathAfter(cmd, "1>")] = []byte("hello\n")
		f.files[pathAfter(cmd, "2>")] = []byte("")
		f.files[pathAfter(cmd, ">", "echo $? >")] = []byte("0\n")
		return nil, 0, nil
	}
	if argv[0] == "rm" {
		for _, p := range argv[1:] {
			delete(f.files, p)
		}
		return nil, 0, nil
	}
	return nil, 0, nil
}

func (f *fakeDriver) AttachPTY(ctx context.Context, instanceID string, argv []string, cols, rows int) (sandbox.PTYStream, error) {
	return nil, nil
}
func (f *fakeDriver) AttachProcess(ctx context.Context, instanceID string, argv []string) (sandbox.ProcessStream, error) {
	return nil, nil
}
func (f *fakeDriver) WriteFile(ctx context.Context, instanceID, path string, content []byte) error {
	f.files[path] = content
	return nil
}
func (f *fakeDriver) ReadFile(ctx context.Context, instanceID, path string, maxBytes int) ([]byte, bool, error) {
	return f.files[path], false, nil
}
func (f *fakeDriver) IsAlive(ctx context.Context, instanceID string) (bool, error) { return true, nil }
func (f *fakeDriver) StopInstance(ctx context.Context, instanceID string) error    { return nil }

// pathAfter extracts the single-quoted path following marker (or altMarker
// in its place, when one is given) in the generated shell command, mirroring how
// the real command is shaped so the fake can answer at the right "paths".
func pathAfter(cmd, marker string, altMarker ...string) string {
	m := marker
	if len(altMarker) > 0 {
		m = altMarker[0]
	}
	idx := strings.Index(cmd, m)
	if idx < 0 {
		return ""
	}
	rest := cmd[idx+len(m):]
	rest = strings.TrimPrefix(rest, "'")
	end := strings.Index(rest, "'")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

type fakeStore struct {
	created map[int64]string
	outputs map[int64][]string
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{created: make(map[int64]string), outputs: make(map[int64][]string)}
}

func (s *fakeStore) CreateExecutable(userID, code string) (int64, error) {
	s.nextID++
	s.created[s.nextID] = code
	return s.nextID, nil
}

func (s *fakeStore) RecordOutput(executableID int64, output string) error {
	s.outputs[executableID] = append(s.outputs[executableID], output)
	return nil
}

func TestRun_SuccessWithoutSave(t *testing.T) {
	driver := newFakeDriver()
	store := newFakeStore()
	job := New(driver, store, config.ExecuteConfig{CPULimitSeconds: 2, MemLimitMB: 120})

	result := job.Run(context.Background(), "user1", "inst", "print('hello')", false)

	require.Equal(t, StatusOK, result.Status)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.False(t, result.Saved)
	assert.Empty(t, store.created)
}

func TestRun_SuccessWithSavePersists(t *testing.T) {
	driver := newFakeDriver()
	store := newFakeStore()
	job := New(driver, store, config.ExecuteConfig{CPULimitSeconds: 2, MemLimitMB: 120})

	result := job.Run(context.Background(), "user1", "inst", "print('hello')", true)

	require.Equal(t, StatusCreated, result.Status)
	assert.True(t, result.Saved)
	require.Len(t, store.created, 1)
}

func TestRun_CleansUpTempFiles(t *testing.T) {
	driver := newFakeDriver()
	store := newFakeStore()
	job := New(driver, store, config.ExecuteConfig{CPULimitSeconds: 2, MemLimitMB: 120})

	job.Run(context.Background(), "user1", "inst", "print(1)", false)

	for _, argv := range driver.execLog {
		if argv[0] == "rm" {
			return
		}
	}
	t.Fatal("expected a cleanup rm call")
}
