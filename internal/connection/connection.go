// Package connection runs commands on, and copies files to, scenario platforms.
package connection

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

// Connection executes commands against a single target
type Connection interface {
	// Name identifies the target, e.g. the platform name
	Name() string

	// Exec runs cmd. A non-zero exit status is reported through Result.RC,
	// not as an error; errors mean the command could not be run or timed out.
	Exec(ctx context.Context, cmd Command) (*Result, error)

	// Copy places the local file or directory src at dest on the target.
	// A directory's contents end up directly under dest.
	Copy(ctx context.Context, src, dest string) error

	// Close releases the connection
	Close() error
}

// Command describes one remote invocation
type Command struct {
	// Argv runs a program directly
	Argv []string

	// Shell runs a script through the connection's shell; ignored when Argv is set
	Shell string

	Env     map[string]string
	Dir     string
	User    string
	Timeout time.Duration
}

// Result holds the captured outcome of a command
type Result struct {
	RC       int
	Stdout   string
	Stderr   string
	Output   string // stdout and stderr interleaved in arrival order
	Duration time.Duration
}

// Failed reports whether the command exited non-zero
func (r *Result) Failed() bool {
	return r.RC != 0
}

// String renders the command for logs
func (c Command) String() string {
	if len(c.Argv) > 0 {
		return QuoteArgs(c.Argv)
	}
	return c.Shell
}

// withTimeout derives a context bounded by the command timeout, if any
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// sortedEnv returns KEY=VALUE pairs in a stable order
func sortedEnv(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// capture collects stdout, stderr and the interleaved stream
type capture struct {
	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	combined bytes.Buffer
}

func (c *capture) Stdout() io.Writer { return captureWriter{c, &c.stdout} }
func (c *capture) Stderr() io.Writer { return captureWriter{c, &c.stderr} }

func (c *capture) result(rc int, started time.Time) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Result{
		RC:       rc,
		Stdout:   c.stdout.String(),
		Stderr:   c.stderr.String(),
		Output:   c.combined.String(),
		Duration: time.Since(started),
	}
}

type captureWriter struct {
	c   *capture
	own *bytes.Buffer
}

func (w captureWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	w.own.Write(p)
	return w.c.combined.Write(p)
}

// QuoteArgs joins args into a POSIX shell command line
func QuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// ShellQuote quotes s for bash when it contains anything the shell would
// interpret
func ShellQuote(s string) string {
	quoted, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return quoted
}
