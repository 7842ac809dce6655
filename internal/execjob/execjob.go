// Package execjob implements ExecuteJob: a stateless one-shot run of
// user-submitted source inside a throwaway exec in the user's sandbox,
// resource-capped via ulimit, with optional persistence of the
// (code, stdout) pair.
package execjob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

// ExecutionStore is the narrow persistence contract ExecuteJob depends on;
// internal/execstore provides the concrete SQLite-backed implementation.
type ExecutionStore interface {
	CreateExecutable(userID, code string) (int64, error)
	RecordOutput(executableID int64, output string) error
}

// Status mirrors the HTTP status mapping spec.md §4.7/§7 specifies.
type Status int

const (
	StatusOK        Status = 200 // success, should_save false
	StatusCreated   Status = 201 // success, saved
	StatusBadInput  Status = 400 // runtime failure, stderr carried
	StatusInternal  Status = 401 // internal/persistence error
)

// Result is what the /execute HTTP handler renders.
type Result struct {
	Status   Status
	Stdout   string
	Stderr   string
	ExitCode int
	Saved    bool
	Error    string
}

type Job struct {
	driver sandbox.Driver
	store  ExecutionStore
	cfg    config.ExecuteConfig
}

func New(driver sandbox.Driver, store ExecutionStore, cfg config.ExecuteConfig) *Job {
	return &Job{driver: driver, store: store, cfg: cfg}
}

// Run writes code to a throwaway temp file inside instanceID, executes it
// under CPU/address-space limits, captures stdout/stderr, removes the temp
// file, and persists the run if requested and successful.
func (j *Job) Run(ctx context.Context, userID, instanceID, code string, shouldSave bool) Result {
	id, err := randomID()
	if err != nil {
		return Result{Status: StatusInternal, Error: err.Error()}
	}

	base := "/tmp/exec_" + id
	srcPath := base + ".py"
	outPath := base + ".out"
	errPath := base + ".err"
	codePath := base + ".code"

	defer j.cleanup(context.Background(), instanceID, srcPath, outPath, errPath, codePath)

	if err := j.driver.WriteFile(ctx, instanceID, srcPath, []byte(code)); err != nil {
		return Result{Status: StatusInternal, Error: fmt.Sprintf("write source: %v", err)}
	}

	cpuLimit := j.cfg.CPULimitSeconds
	if cpuLimit <= 0 {
		cpuLimit = 2
	}
	memLimitKB := j.cfg.MemLimitMB * 1024
	if memLimitKB <= 0 {
		memLimitKB = 120 * 1024
	}

	shellCmd := fmt.Sprintf(
		"ulimit -t %d; ulimit -v %d; python3 %s 1>%s 2>%s; echo $? >%s",
		cpuLimit, memLimitKB, shellQuote(srcPath), shellQuote(outPath), shellQuote(errPath), shellQuote(codePath),
	)

	_, _, err = j.driver.Exec(ctx, instanceID, []string{"sh", "-c", shellCmd}, cpuLimit+5)
	if err != nil {
		return Result{Status: StatusInternal, Error: fmt.Sprintf("exec: %v", err)}
	}

	stdout, _, err := j.driver.ReadFile(ctx, instanceID, outPath, 10*1024*1024)
	if err != nil {
		return Result{Status: StatusInternal, Error: fmt.Sprintf("read stdout: %v", err)}
	}
	stderr, _, err := j.driver.ReadFile(ctx, instanceID, errPath, 10*1024*1024)
	if err != nil {
		return Result{Status: StatusInternal, Error: fmt.Sprintf("read stderr: %v", err)}
	}
	exitCodeRaw, _, err := j.driver.ReadFile(ctx, instanceID, codePath, 64)
	if err != nil {
		return Result{Status: StatusInternal, Error: fmt.Sprintf("read exit code: %v", err)}
	}
	exitCode, _ := strconv.Atoi(strings.TrimSpace(string(exitCodeRaw)))

	if exitCode != 0 {
		return Result{Status: StatusBadInput, Stdout: string(stdout), Stderr: string(stderr), ExitCode: exitCode}
	}

	result := Result{Status: StatusOK, Stdout: string(stdout), Stderr: string(stderr), ExitCode: exitCode}
	if shouldSave {
		execID, err := j.store.CreateExecutable(userID, code)
		if err != nil {
			return Result{Status: StatusInternal, Error: fmt.Sprintf("persist executable: %v", err)}
		}
		if err := j.store.RecordOutput(execID, string(stdout)); err != nil {
			return Result{Status: StatusInternal, Error: fmt.Sprintf("persist output: %v", err)}
		}
		result.Status = StatusCreated
		result.Saved = true
	}
	return result
}

func (j *Job) cleanup(ctx context.Context, instanceID string, paths ...string) {
	_, _, _ = j.driver.Exec(ctx, instanceID, append([]string{"rm", "-f"}, paths...), 5)
}

func randomID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// shellQuote wraps a server-generated (never user-controlled) path literal
// for safe inclusion in the fixed ulimit/redirect shell command; the
// submitted code itself never passes through this command string.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
