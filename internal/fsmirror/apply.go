package fsmirror

import (
	"context"
	"fmt"
)

// ApplyClientOp executes a client-originated batch of filesystem mutations
// inside the sandbox. Each item's (type, path) pair — and for renames, both
// the delete(oldPath) and create(newPath) pair — is marked pending *before*
// the command runs, so the watcher's resulting echo is suppressed rather
// than re-delivered to the client that caused it.
//
// Every command is issued as an argv slice, never a shell string: a path
// containing a single quote or space can't escape its argument position.
func (m *Mirror) ApplyClientOp(ctx context.Context, req ClientOpRequest) ApplyResult {
	result := ApplyResult{Operation: req.Operation, Files: req.Files}

	for _, f := range req.Files {
		argv, err := m.markAndBuild(req.Operation, f)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			return result
		}

		out, exitCode, err := m.driver.Exec(ctx, m.instanceID, argv, 0)
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			return result
		}
		if exitCode != 0 {
			result.Success = false
			result.Error = fmt.Sprintf("%s: exit %d: %s", argv[0], exitCode, string(out))
			return result
		}
	}

	result.Success = true
	return result
}

// markAndBuild records the pending suppression keys for one file entry and
// returns the argv to execute for it.
func (m *Mirror) markAndBuild(op Operation, f ClientFile) ([]string, error) {
	switch op {
	case OpCreate:
		if f.IsDir {
			m.markPending(OpCreate, f.Path)
			return []string{"mkdir", "-p", f.Path}, nil
		}
		m.markPending(OpCreate, f.Path)
		return []string{"touch", f.Path}, nil

	case OpDelete:
		m.markPending(OpDelete, f.Path)
		if f.IsDir {
			return []string{"rm", "-rf", f.Path}, nil
		}
		return []string{"rm", "-f", f.Path}, nil

	case OpRename:
		if f.OldPath == "" {
			return nil, fmt.Errorf("rename requires oldPath")
		}
		m.markPending(OpDelete, f.OldPath)
		m.markPending(OpCreate, f.Path)
		return []string{"mv", f.OldPath, f.Path}, nil

	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}
}
