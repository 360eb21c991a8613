// Package runner executes external command-line tools on behalf of a job and
// relays their output, line by line, to the job's raw log channel.
package runner

import (
	"context"
	"strings"
)

// RawSink receives formatted raw output lines for a job.
type RawSink interface {
	AppendRaw(jobID, line string)
}

// Command describes one tool invocation.
type Command struct {
	JobID string
	Name  string            // executable, e.g. "terraform"
	Args  []string
	Dir   string            // working directory; empty means the process default
	Env   map[string]string // added on top of the inherited environment
	// Source prefixes every relayed line as "[<source>] ...". Defaults to Name.
	Source string
	// Capture keeps stdout lines (untransformed) in the Result.
	Capture bool
	// Transform is applied to each line before relaying. Defaults to Redact.
	Transform func(string) string
}

// Result is the outcome of a command that was started.
type Result struct {
	ExitCode int
	Stdout   []string
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output joins the captured stdout lines.
func (r Result) Output() string {
	return strings.Join(r.Stdout, "\n")
}

// Runner starts commands and waits for them to exit. A non-zero exit code is
// reported in the Result, not as an error; errors mean the command could
// not be run at all or was cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	// Ready reports whether the backend can run tools.
	Ready(ctx context.Context) error
}

// relay formats and forwards lines for one command. Stdout and stderr each
// get their own lineWriter but share the relay.
type relay struct {
	cmd       Command
	sink      RawSink
	transform func(string) string
	prefix    string

	captured []string
}

func newRelay(cmd Command, sink RawSink) *relay {
	source := cmd.Source
	if source == "" {
		source = cmd.Name
	}
	transform := cmd.Transform
	if transform == nil {
		transform = Redact
	}
	return &relay{
		cmd:       cmd,
		sink:      sink,
		transform: transform,
		prefix:    "[" + source + "] ",
	}
}

func (r *relay) stdout() *lineWriter {
	return newLineWriter(func(line string) {
		if r.cmd.Capture {
			r.captured = append(r.captured, line)
		}
		r.emit(line)
	})
}

func (r *relay) stderr() *lineWriter {
	return newLineWriter(r.emit)
}

func (r *relay) emit(line string) {
	if r.sink == nil {
		return
	}
	r.sink.AppendRaw(r.cmd.JobID, r.prefix+r.transform(line))
}

func (r *relay) result(exitCode int) Result {
	return Result{ExitCode: exitCode, Stdout: r.captured}
}

func environ(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	env = append(env, base...)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
