package backup

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage is a step of a backup attempt.
type Stage string

const (
	StageInit                Stage = "INIT"
	StageCredentialsResolved Stage = "CREDENTIALS_RESOLVED"
	StageDumping             Stage = "DUMPING"
	StageDumpComplete        Stage = "DUMP_COMPLETE"
	StageUploading           Stage = "UPLOADING"
	StageDone                Stage = "DONE"
	StageFailed              Stage = "FAILED"
)

// stageOrder lists the forward path. FAILED sits outside it.
var stageOrder = []Stage{
	StageInit,
	StageCredentialsResolved,
	StageDumping,
	StageDumpComplete,
	StageUploading,
	StageDone,
}

func (s Stage) index() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition is allowed from s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Target identifies the database being backed up.
type Target struct {
	Engine           string
	Host             string
	Port             int
	Database         string
	// AuthSource is the MongoDB authentication database; it is not part of
	// the rendered target.
	AuthSource       string
	CredentialSource string
}

// String renders the target for operator messages.
func (t Target) String() string {
	s := fmt.Sprintf("%s://%s", t.Engine, t.Host)
	if t.Port > 0 {
		s = fmt.Sprintf("%s:%d", s, t.Port)
	}
	if t.Database != "" {
		s += "/" + t.Database
	}
	return s
}

// StageChange is called after every successful transition.
type StageChange func(attemptID string, from, to Stage)

// Attempt is the single backup attempt of a process run.
type Attempt struct {
	ID           string
	Target       Target
	Stage        Stage
	ArtifactPath string
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
	History      []Stage

	mu       sync.Mutex
	onChange StageChange
}

// NewAttempt creates an attempt in the INIT stage.
func NewAttempt(target Target) *Attempt {
	return &Attempt{
		ID:        uuid.New().String(),
		Target:    target,
		Stage:     StageInit,
		StartedAt: time.Now().UTC(),
		History:   []Stage{StageInit},
	}
}

// OnChange registers a hook that observes stage transitions.
func (a *Attempt) OnChange(fn StageChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// Advance moves the attempt exactly one stage forward. Moving to FAILED is
// allowed from any non-terminal stage.
func (a *Attempt) Advance(next Stage) error {
	a.mu.Lock()
	from := a.Stage

	if from.Terminal() {
		a.mu.Unlock()
		return fmt.Errorf("attempt %s is already %s", a.ID, from)
	}
	if next != StageFailed && next.index() != from.index()+1 {
		a.mu.Unlock()
		return fmt.Errorf("invalid stage transition %s -> %s", from, next)
	}

	a.Stage = next
	a.History = append(a.History, next)
	if next.Terminal() {
		a.FinishedAt = time.Now().UTC()
	}
	hook := a.onChange
	a.mu.Unlock()

	if hook != nil {
		hook(a.ID, from, next)
	}
	return nil
}

// Fail records err and moves the attempt to FAILED. The first error wins;
// failing a terminal attempt is a no-op.
func (a *Attempt) Fail(err error) {
	a.mu.Lock()
	if a.Stage.Terminal() {
		a.mu.Unlock()
		return
	}
	if a.Err == nil {
		a.Err = err
	}
	a.mu.Unlock()

	a.Advance(StageFailed)
}

// Terminal reports whether the attempt reached DONE or FAILED.
func (a *Attempt) Terminal() bool {
	return a.CurrentStage().Terminal()
}

// CurrentStage returns the stage under the lock.
func (a *Attempt) CurrentStage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Stage
}

// FailedStage returns the stage the attempt was in when it failed, or the
// current stage if it has not failed.
func (a *Attempt) FailedStage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Stage != StageFailed || len(a.History) < 2 {
		return a.Stage
	}
	return a.History[len(a.History)-2]
}

// Duration is the time spent so far, or the total once terminal.
func (a *Attempt) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FinishedAt.IsZero() {
		return time.Since(a.StartedAt)
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
