package environment

import (
	"context"
	"log/slog"

	"github.com/jkaninda/maigret-mcp/internal/runner"
)

const (
	defaultDockerBinary = "docker"
	defaultDockerImage  = "soxoj/maigret:latest"

	// DefaultContainerReportsDir is where the reports directory is mounted
	// inside the container.
	DefaultContainerReportsDir = "/app/reports"
)

// DockerConfig configures the containerized environment.
type DockerConfig struct {
	Binary     string // Container CLI. Default: "docker".
	Image      string // Image reference (name:tag). Default: "soxoj/maigret:latest".
	ReportsDir string // Host directory bind-mounted into the container.
	MountPath  string // Mount target inside the container. Default: "/app/reports".
}

// Docker runs maigret inside ephemeral containers of a single image.
// Image presence is treated as sufficient verification.
type Docker struct {
	config DockerConfig
	runner runner.Runner
	logger *slog.Logger
}

// NewDocker creates a Docker environment.
func NewDocker(cfg DockerConfig, r runner.Runner, logger *slog.Logger) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = defaultDockerBinary
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MountPath == "" {
		cfg.MountPath = DefaultContainerReportsDir
	}
	return &Docker{config: cfg, runner: r, logger: logger}
}

func (d *Docker) Variant() Variant { return VariantDocker }

func (d *Docker) Location() string { return d.config.Image }

// EnsureReady verifies the container runtime and pulls the image when absent.
func (d *Docker) EnsureReady(ctx context.Context) (Readiness, error) {
	return ensureReady(ctx, VariantDocker, d, d.logger)
}

// Probe checks the runtime and image presence without pulling.
func (d *Docker) Probe(ctx context.Context) error {
	return probe(ctx, VariantDocker, d)
}

// Command builds a `docker run` invocation with the reports directory mounted.
func (d *Docker) Command(args []string) runner.Command {
	argv := []string{
		d.config.Binary, "run", "--rm",
		"-v", d.config.ReportsDir + ":" + d.config.MountPath,
		d.config.Image,
	}
	return runner.Command{Args: append(argv, args...)}
}

func (d *Docker) OutputDir() string { return d.config.MountPath }

func (d *Docker) checkRuntime(ctx context.Context) error {
	return run(ctx, d.runner, d.config.Binary, "version", "--format", "{{.Server.Version}}")
}

// checkPresent treats any inspect failure as "image absent"; a broken
// daemon was already ruled out by checkRuntime.
func (d *Docker) checkPresent(ctx context.Context) (bool, error) {
	if err := run(ctx, d.runner, d.config.Binary, "image", "inspect", d.config.Image); err != nil {
		d.logger.Info("docker image not found locally",
			slog.String("image", d.config.Image),
		)
		return false, nil
	}
	return true, nil
}

func (d *Docker) provision(ctx context.Context) *ProvisioningError {
	d.logger.Info("pulling docker image", slog.String("image", d.config.Image))
	if err := run(ctx, d.runner, d.config.Binary, "pull", d.config.Image); err != nil {
		return &ProvisioningError{Variant: VariantDocker, Stage: StagePull, Err: err}
	}
	return nil
}

func (d *Docker) upgrade(context.Context, bool) (bool, *ProvisioningError) { return false, nil }

func (d *Docker) verify(context.Context) error { return nil }

var _ Environment = (*Docker)(nil)
