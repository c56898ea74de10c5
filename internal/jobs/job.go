// Package jobs defines the executable job variants and the registry that turns
// a stored job row back into one of them.
package jobs

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"horus-server/internal/store"
	"horus-server/internal/storage"
)

// Outcome is the terminal classification of one execution.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeFailed
	OutcomeFailedWithReason
)

// Result is what Execute hands back to the juggler.
type Result struct {
	Outcome Outcome
	Reason  string
}

func Complete() Result { return Result{Outcome: OutcomeComplete} }

func Failed() Result { return Result{Outcome: OutcomeFailed} }

func FailedWithReason(reason string) Result {
	return Result{Outcome: OutcomeFailedWithReason, Reason: reason}
}

// Succeeded reports whether the result maps to the Complete status.
func (r Result) Succeeded() bool { return r.Outcome == OutcomeComplete }

// ThumbnailSettings controls the thumbnail job.
type ThumbnailSettings struct {
	Enabled bool
	Width   int
}

// Env is what a job may touch while executing.
type Env struct {
	Versions   store.VersionStore
	Keys       store.KeyStore
	Storage    storage.ObjectStorage
	Thumbnails ThumbnailSettings
	Logger     logrus.FieldLogger
}

// Executable is implemented by every job variant. Execute mutates the job in
// place, so after it returns the caller still holds the job and reads the
// accumulated log through Logs.
type Executable interface {
	Execute(ctx context.Context, env Env) Result
	Log(line string)
	Logs() string
}

// LogBuffer provides Log and Logs to job structs that embed it.
type LogBuffer struct {
	lines []string
}

// Log appends a line. It never fails.
func (l *LogBuffer) Log(line string) {
	l.lines = append(l.lines, line)
}

// Logs renders every line with a leading newline, ready to append to the
// job row's existing logs.
func (l *LogBuffer) Logs() string {
	if len(l.lines) == 0 {
		return ""
	}
	return "\n" + strings.Join(l.lines, "\n")
}
