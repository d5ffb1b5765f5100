// Package populate contains the data population steps run by the migration
// engine after a schema artifact is applied. Steps are statically compiled
// functions selected by their version transition, replacing the runtime
// script loading of earlier incarnations of the tool: each step is registered
// against a `(fromVersion, toVersion)` pair and most transitions have none at
// all, which is not an error.
package populate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/anitrack/anitrackmigrate/anidriver"
	"github.com/anitrack/anitrackmigrate/internal/util/maputil"
	"github.com/anitrack/anitrackmigrate/metadata"
)

// Transition identifies a schema version transition. A FromVersion of zero
// denotes database creation; anything else is an upgrade by one version.
type Transition struct {
	FromVersion int
	ToVersion   int
}

// StepName returns the canonical name of the population step for the
// transition, mirroring the naming scheme of schema artifacts:
// "v2_create_populate" for creations, "v1_to_v2_upgrade_populate" for
// upgrades. Used for logging and error reporting.
func (t Transition) StepName() string {
	if t.FromVersion == 0 {
		return fmt.Sprintf("v%d_create_populate", t.ToVersion)
	}
	return fmt.Sprintf("v%d_to_v%d_upgrade_populate", t.FromVersion, t.ToVersion)
}

// AnimeSearcher looks up anime metadata from an external catalog. Implemented
// by metadata.Client; steps treat it as an opaque collaborator.
type AnimeSearcher interface {
	SearchAnime(ctx context.Context, name string) ([]metadata.Anime, error)
}

// Env is the environment a population step runs in. Exec is scoped to the
// step's own transaction boundary within the migration's outer transaction,
// so a failing step rolls back cleanly without poisoning the whole migration
// session. Steps get unrestricted read/write access through it.
type Env struct {
	// Exec runs statements within the step's transaction scope.
	Exec anidriver.Executor

	// Logger is a structured logger.
	Logger *slog.Logger

	// Metadata is the external anime metadata collaborator. May be nil, in
	// which case steps skip metadata enrichment.
	Metadata AnimeSearcher
}

// Func is a population step. Any error returned causes the step's transaction
// scope, and transitively the enclosing migration transaction, to roll back.
type Func func(ctx context.Context, env *Env) error

// Registry maps version transitions to population steps.
type Registry struct {
	steps map[Transition]Func
}

// NewRegistry returns a new empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[Transition]Func)}
}

// Register adds a step for a version transition. It panics if the transition
// is malformed or already has a step, since either is a programmer error that
// should be caught in development.
func (r *Registry) Register(fromVersion, toVersion int, stepFunc Func) {
	transition := Transition{FromVersion: fromVersion, ToVersion: toVersion}

	if fromVersion < 0 || toVersion <= fromVersion {
		panic(fmt.Sprintf("malformed population step transition: %d -> %d", fromVersion, toVersion))
	}
	if stepFunc == nil {
		panic("population step function should not be nil: " + transition.StepName())
	}
	if _, ok := r.steps[transition]; ok {
		panic("duplicate population step: " + transition.StepName())
	}

	r.steps[transition] = stepFunc
}

// Lookup returns the step registered for a transition, if any. Most
// transitions have none, which is the common case and not an error.
func (r *Registry) Lookup(fromVersion, toVersion int) (Func, bool) {
	stepFunc, ok := r.steps[Transition{FromVersion: fromVersion, ToVersion: toVersion}]
	return stepFunc, ok
}

// Transitions returns every registered transition sorted by from then to
// version.
func (r *Registry) Transitions() []Transition {
	transitions := maputil.Keys(r.steps)
	slices.SortFunc(transitions, func(a, b Transition) int {
		if a.FromVersion != b.FromVersion {
			return a.FromVersion - b.FromVersion
		}
		return a.ToVersion - b.ToVersion
	})
	return transitions
}
