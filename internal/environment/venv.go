package environment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/jkaninda/maigret-mcp/internal/runner"
)

const (
	defaultBootstrapURL = "https://bootstrap.pypa.io/get-pip.py"
	defaultPackage      = "maigret"
	defaultModule       = "maigret"
)

// UpgradePolicy controls when pip and the maigret package are upgraded in
// an existing virtual environment.
type UpgradePolicy string

const (
	// UpgradeAlways upgrades on every EnsureReady call.
	UpgradeAlways UpgradePolicy = "always"
	// UpgradeOnce upgrades on the first successful call of the process.
	UpgradeOnce UpgradePolicy = "once"
	// UpgradeNever installs only into freshly created environments.
	UpgradeNever UpgradePolicy = "never"
)

// ParseUpgradePolicy validates a policy name. Empty means UpgradeAlways.
func ParseUpgradePolicy(s string) (UpgradePolicy, error) {
	switch p := UpgradePolicy(s); p {
	case "":
		return UpgradeAlways, nil
	case UpgradeAlways, UpgradeOnce, UpgradeNever:
		return p, nil
	default:
		return "", fmt.Errorf("unknown upgrade policy %q (supported: always, once, never)", s)
	}
}

// VenvConfig configures the virtual environment variant.
type VenvConfig struct {
	Dir           string        // Environment root. Required.
	Python        string        // Base interpreter used to create the venv. Default: python3 (python on Windows).
	Package       string        // pip requirement to install. Default: "maigret".
	Module        string        // Module run with `python -m`. Default: "maigret".
	BootstrapURL  string        // get-pip.py location. Default: https://bootstrap.pypa.io/get-pip.py.
	UpgradePolicy UpgradePolicy // Default: UpgradeAlways.
	HTTPClient    *http.Client  // Used to download the bootstrap script. Default: http.DefaultClient.
}

// Venv runs maigret as a module inside a managed Python virtual environment.
type Venv struct {
	config   VenvConfig
	runner   runner.Runner
	logger   *slog.Logger
	upgraded atomic.Bool
}

// NewVenv creates a Venv environment.
func NewVenv(cfg VenvConfig, r runner.Runner, logger *slog.Logger) *Venv {
	if cfg.Python == "" {
		cfg.Python = "python3"
		if runtime.GOOS == "windows" {
			cfg.Python = "python"
		}
	}
	if cfg.Package == "" {
		cfg.Package = defaultPackage
	}
	if cfg.Module == "" {
		cfg.Module = defaultModule
	}
	if cfg.BootstrapURL == "" {
		cfg.BootstrapURL = defaultBootstrapURL
	}
	if cfg.UpgradePolicy == "" {
		cfg.UpgradePolicy = UpgradeAlways
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Venv{config: cfg, runner: r, logger: logger}
}

func (v *Venv) Variant() Variant { return VariantVenv }

func (v *Venv) Location() string { return v.config.Dir }

// PythonPath returns the interpreter inside the environment.
func (v *Venv) PythonPath() string {
	return filepath.Join(v.config.Dir, binDir(), executable("python"))
}

// PipPath returns the package installer inside the environment.
func (v *Venv) PipPath() string {
	return filepath.Join(v.config.Dir, binDir(), executable("pip"))
}

// EnsureReady creates, bootstraps, upgrades and verifies the environment.
func (v *Venv) EnsureReady(ctx context.Context) (Readiness, error) {
	return ensureReady(ctx, VariantVenv, v, v.logger)
}

// Probe checks the base interpreter and the environment directory.
func (v *Venv) Probe(ctx context.Context) error {
	return probe(ctx, VariantVenv, v)
}

// Command runs maigret as a module with the environment's interpreter.
func (v *Venv) Command(args []string) runner.Command {
	argv := []string{v.PythonPath(), "-m", v.config.Module}
	return runner.Command{Args: append(argv, args...)}
}

// OutputDir is empty: maigret's stdout is persisted by the caller.
func (v *Venv) OutputDir() string { return "" }

func (v *Venv) checkRuntime(ctx context.Context) error {
	return run(ctx, v.runner, v.config.Python, "--version")
}

// checkPresent requires both the interpreter and pip. A venv left without
// pip by a failed bootstrap is provisioned again.
func (v *Venv) checkPresent(context.Context) (bool, error) {
	for _, path := range []string{v.PythonPath(), v.PipPath()} {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checking venv %s: %w", filepath.Base(path), err)
		}
	}
	return true, nil
}

func (v *Venv) provision(ctx context.Context) *ProvisioningError {
	fail := func(err error) *ProvisioningError {
		return &ProvisioningError{Variant: VariantVenv, Stage: StageBootstrap, Err: err}
	}

	v.logger.Info("creating virtual environment", slog.String("dir", v.config.Dir))
	if err := run(ctx, v.runner, v.config.Python, "-m", "venv", "--without-pip", v.config.Dir); err != nil {
		return fail(fmt.Errorf("creating venv: %w", err))
	}

	script, err := downloadBootstrap(ctx, v.config.HTTPClient, v.config.BootstrapURL, v.config.Dir)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if rmErr := os.Remove(script); rmErr != nil && !os.IsNotExist(rmErr) {
			v.logger.Warn("failed to remove bootstrap script",
				slog.String("path", script),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := run(ctx, v.runner, v.PythonPath(), script); err != nil {
		return fail(fmt.Errorf("running bootstrap script: %w", err))
	}
	return nil
}

// upgrade installs or upgrades pip and the maigret package according to
// the policy. Fresh environments are always installed into.
func (v *Venv) upgrade(ctx context.Context, fresh bool) (bool, *ProvisioningError) {
	if !v.shouldUpgrade(fresh) {
		return false, nil
	}

	v.logger.Info("upgrading virtual environment packages",
		slog.String("package", v.config.Package),
		slog.String("policy", string(v.config.UpgradePolicy)),
	)
	if err := run(ctx, v.runner, v.PipPath(), "install", "--upgrade", "pip"); err != nil {
		return false, &ProvisioningError{Variant: VariantVenv, Stage: StageInstall, Err: fmt.Errorf("upgrading pip: %w", err)}
	}
	if err := run(ctx, v.runner, v.PipPath(), "install", "--upgrade", v.config.Package); err != nil {
		return false, &ProvisioningError{Variant: VariantVenv, Stage: StageInstall, Err: fmt.Errorf("installing %s: %w", v.config.Package, err)}
	}
	v.upgraded.Store(true)
	return true, nil
}

func (v *Venv) shouldUpgrade(fresh bool) bool {
	if fresh {
		return true
	}
	switch v.config.UpgradePolicy {
	case UpgradeNever:
		return false
	case UpgradeOnce:
		return !v.upgraded.Load()
	default:
		return true
	}
}

func (v *Venv) verify(ctx context.Context) error {
	return run(ctx, v.runner, v.PythonPath(), "-m", v.config.Module, "--version")
}

func binDir() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func executable(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

var _ Environment = (*Venv)(nil)
