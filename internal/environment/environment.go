// Package environment provisions and verifies the execution environment
// maigret runs in.
//
// Two variants exist, fixed at construction time:
//   - Docker: a container image, inspected and pulled on demand
//   - Venv: a Python virtual environment, created, bootstrapped and upgraded on demand
//
// EnsureReady walks the full readiness state machine on every call. Nothing
// is cached between calls, so an image or directory removed out-of-band is
// re-provisioned on the next tool invocation.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/maigret-mcp/internal/runner"
)

// Variant identifies an environment implementation.
type Variant string

const (
	VariantDocker Variant = "docker"
	VariantVenv   Variant = "venv"
)

// State is a step of the readiness state machine.
type State int

const (
	StateNotReady State = iota
	StateCheckingRuntime
	StateCheckingEnvironment
	StateProvisioning
	StateUpgrading
	StateVerified
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateNotReady:            "not_ready",
	StateCheckingRuntime:     "checking_runtime",
	StateCheckingEnvironment: "checking_environment",
	StateProvisioning:        "provisioning",
	StateUpgrading:           "upgrading",
	StateVerified:            "verified",
	StateReady:               "ready",
	StateFailed:              "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stage names the step a provisioning failure happened in.
type Stage string

const (
	StageRuntime   Stage = "runtime"
	StagePull      Stage = "pull"
	StageBootstrap Stage = "bootstrap"
	StageInstall   Stage = "install"
	StageVerify    Stage = "verify"
)

var stageMessages = map[Stage]string{
	StageRuntime:   "runtime unavailable",
	StagePull:      "pull failed",
	StageBootstrap: "bootstrap failed",
	StageInstall:   "install failed",
	StageVerify:    "verification failed",
}

// ErrProvisioning matches every *ProvisioningError via errors.Is.
var ErrProvisioning = errors.New("provisioning failed")

// ProvisioningError reports which stage of EnsureReady failed.
type ProvisioningError struct {
	Variant Variant
	Stage   Stage
	Err     error
}

func (e *ProvisioningError) Error() string {
	msg, ok := stageMessages[e.Stage]
	if !ok {
		msg = string(e.Stage) + " failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s environment: %s", e.Variant, msg)
	}
	return fmt.Sprintf("%s environment: %s: %v", e.Variant, msg, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }

// Readiness is the outcome of a successful EnsureReady call.
type Readiness struct {
	Variant     Variant
	State       State
	Provisioned bool // The environment was created or pulled during this call.
	Upgraded    bool // Packages were installed or upgraded during this call.
	Duration    time.Duration
}

// Environment is a runnable home for maigret.
type Environment interface {
	// Variant reports which implementation this is.
	Variant() Variant

	// Location is the image reference or directory maigret lives in.
	Location() string

	// EnsureReady checks, provisions and verifies the environment.
	// Safe for concurrent use; concurrent calls may provision redundantly.
	EnsureReady(ctx context.Context) (Readiness, error)

	// Probe runs the runtime and presence checks only. It never provisions.
	Probe(ctx context.Context) error

	// Command wraps maigret CLI arguments into a runnable command.
	Command(args []string) runner.Command

	// OutputDir is the directory maigret should write reports into, as seen
	// from inside the environment. Empty when the environment does not
	// persist reports itself.
	OutputDir() string
}

// steps are the variant-specific actions behind each state.
type steps interface {
	checkRuntime(ctx context.Context) error
	checkPresent(ctx context.Context) (bool, error)
	provision(ctx context.Context) *ProvisioningError
	upgrade(ctx context.Context, fresh bool) (bool, *ProvisioningError)
	verify(ctx context.Context) error
}

// ensureReady drives the readiness state machine for one call.
func ensureReady(ctx context.Context, variant Variant, s steps, logger *slog.Logger) (Readiness, error) {
	start := time.Now()
	r := Readiness{Variant: variant, State: StateCheckingRuntime}

	fail := func(pe *ProvisioningError) (Readiness, error) {
		r.State = StateFailed
		r.Duration = time.Since(start)
		logger.Error("environment not ready",
			slog.String("variant", string(variant)),
			slog.String("stage", string(pe.Stage)),
			slog.String("error", pe.Error()),
		)
		return r, pe
	}

	for {
		logger.Debug("environment readiness step",
			slog.String("variant", string(variant)),
			slog.String("state", r.State.String()),
		)

		switch r.State {
		case StateCheckingRuntime:
			if err := s.checkRuntime(ctx); err != nil {
				return fail(&ProvisioningError{Variant: variant, Stage: StageRuntime, Err: err})
			}
			r.State = StateCheckingEnvironment

		case StateCheckingEnvironment:
			present, err := s.checkPresent(ctx)
			if err != nil {
				return fail(&ProvisioningError{Variant: variant, Stage: StageRuntime, Err: err})
			}
			if present {
				r.State = StateUpgrading
			} else {
				r.State = StateProvisioning
			}

		case StateProvisioning:
			logger.Info("provisioning environment", slog.String("variant", string(variant)))
			if pe := s.provision(ctx); pe != nil {
				return fail(pe)
			}
			r.Provisioned = true
			r.State = StateUpgrading

		case StateUpgrading:
			upgraded, pe := s.upgrade(ctx, r.Provisioned)
			if pe != nil {
				return fail(pe)
			}
			r.Upgraded = upgraded
			r.State = StateVerified

		case StateVerified:
			if err := s.verify(ctx); err != nil {
				return fail(&ProvisioningError{Variant: variant, Stage: StageVerify, Err: err})
			}
			r.State = StateReady

		case StateReady:
			r.Duration = time.Since(start)
			logger.Info("environment ready",
				slog.String("variant", string(variant)),
				slog.Bool("provisioned", r.Provisioned),
				slog.Bool("upgraded", r.Upgraded),
				slog.Duration("duration", r.Duration),
			)
			return r, nil

		default:
			return fail(&ProvisioningError{
				Variant: variant,
				Stage:   StageRuntime,
				Err:     fmt.Errorf("unexpected state %s", r.State),
			})
		}
	}
}

// probe runs the two check states of the machine without side effects.
func probe(ctx context.Context, variant Variant, s steps) error {
	if err := s.checkRuntime(ctx); err != nil {
		return &ProvisioningError{Variant: variant, Stage: StageRuntime, Err: err}
	}
	present, err := s.checkPresent(ctx)
	if err != nil {
		return &ProvisioningError{Variant: variant, Stage: StageRuntime, Err: err}
	}
	if !present {
		return fmt.Errorf("%s environment not provisioned yet", variant)
	}
	return nil
}

// run executes a command and discards its output.
func run(ctx context.Context, r runner.Runner, args ...string) error {
	_, err := r.Run(ctx, runner.Command{Args: args})
	return err
}
