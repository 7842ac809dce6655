package pty

import (
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePTYStream is an in-memory sandbox.PTYStream: chunks queued via push
// are what Read returns, in order, fed in over time.
type fakePTYStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
}

func newFakePTYStream() *fakePTYStream {
	f := &fakePTYStream{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakePTYStream) push(b []byte) {
	f.mu.Lock()
	f.chunks = append(f.chunks, b)
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fakePTYStream) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.chunks) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return copy(p, chunk), nil
}

func (f *fakePTYStream) Write(p []byte) (int, error) { return len(p), nil }

func (f *fakePTYStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	return nil
}

func (f *fakePTYStream) Resize(cols, rows int) error { return nil }

func TestController_ReadImmediate_SingleReaderNoInterleaving(t *testing.T) {
	stream := newFakePTYStream()
	c := &Controller{stream: stream}

	stream.push([]byte("hello "))
	out, err := c.readImmediate(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "hello ", out)

	stream.push([]byte("world"))
	out, err = c.readImmediate(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "world", out)
}

func TestController_ReadImmediate_ClosedStreamFailsFast(t *testing.T) {
	stream := newFakePTYStream()
	c := &Controller{stream: stream}

	stream.push([]byte("x"))
	_, err := c.readImmediate(100 * time.Millisecond)
	require.NoError(t, err)

	stream.Close()

	start := time.Now()
	_, err = c.readImmediate(time.Second)
	assert.ErrorIs(t, err, errPtyClosed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAltScreenScanner_SplitAcrossFeeds(t *testing.T) {
	var s altScreenScanner

	seq := "\x1b[?1049h"
	// Feed one byte at a time to simulate the sequence straddling reads.
	var entered bool
	for i := 0; i < len(seq); i++ {
		e, ok := s.Feed(seq[i])
		if ok {
			entered = e
		}
	}
	assert.True(t, entered)

	exitSeq := "\x1b[?1049l"
	var exitedOK bool
	var exiting bool
	for i := 0; i < len(exitSeq); i++ {
		e, ok := s.Feed(exitSeq[i])
		if ok {
			exitedOK = true
			exiting = e
		}
	}
	require.True(t, exitedOK)
	assert.False(t, exiting)
}

func TestAltScreenScanner_IgnoresOtherCSI(t *testing.T) {
	var s altScreenScanner
	_, transitioned := s.FeedBytes([]byte("\x1b[2J\x1b[H"))
	assert.False(t, transitioned)
}

func TestAltScreenScanner_FeedBytesCollapsesToLastTransition(t *testing.T) {
	var s altScreenScanner
	entering, transitioned := s.FeedBytes([]byte("\x1b[?1049h\x1b[?1049l"))
	require.True(t, transitioned)
	assert.False(t, entering)
}

func TestController_ParsePrompt(t *testing.T) {
	c := &Controller{}
	re := mustPromptRegex(t, "__START__", "__END__$")
	c.promptRegex = re

	info := c.parsePrompt("__START__alice@sandbox-1:/workspace/app__END__$ ")
	assert.Equal(t, "alice", info.User)
	assert.Equal(t, "sandbox-1", info.Host)
	assert.Equal(t, "/workspace/app", info.Cwd)
}

func TestController_ParsePrompt_UsesLastOccurrence(t *testing.T) {
	c := &Controller{}
	c.promptRegex = mustPromptRegex(t, "__START__", "__END__$")

	info := c.parsePrompt("__START__a@h:/one__END__$ echo hi\n__START__a@h:/two__END__$ ")
	assert.Equal(t, "/two", info.Cwd)
}

func TestStripPrompt(t *testing.T) {
	out := stripPrompt("some output\n__START__a@h:/x__END__$ ", "__START__", "__END__$")
	assert.Equal(t, "some output", out)
}

func mustPromptRegex(t *testing.T, prefix, suffix string) *regexp.Regexp {
	t.Helper()
	re, err := compilePromptRegex(prefix, suffix)
	require.NoError(t, err)
	return re
}
