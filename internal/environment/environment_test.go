package environment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jkaninda/maigret-mcp/internal/runner"
)

// fakeRunner records commands and fails those whose joined argv contains
// one of the configured substrings.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	failOn []string
	onRun  func(c runner.Command)
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c.String())
	f.mu.Unlock()

	for _, s := range f.failOn {
		if strings.Contains(c.String(), s) {
			return nil, &runner.ExecError{Args: c.Args, ExitCode: 1, Err: runner.ErrExecution}
		}
	}
	if f.onRun != nil {
		f.onRun(c)
	}
	return &runner.Result{}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) count(substr string) int {
	n := 0
	for _, c := range f.commands() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Docker ---

func TestDocker_ImagePresent(t *testing.T) {
	fr := &fakeRunner{}
	d := NewDocker(DockerConfig{Image: "soxoj/maigret:latest", ReportsDir: "/tmp/reports"}, fr, testLogger())

	r, err := d.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if r.State != StateReady {
		t.Errorf("state = %s, want ready", r.State)
	}
	if r.Provisioned {
		t.Error("image was present, nothing should be provisioned")
	}
	if n := fr.count("docker pull"); n != 0 {
		t.Errorf("docker pull ran %d times, want 0", n)
	}
	want := []string{
		"docker version --format {{.Server.Version}}",
		"docker image inspect soxoj/maigret:latest",
	}
	if got := fr.commands(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q, want %q", got, want)
	}
}

func TestDocker_PullsMissingImage(t *testing.T) {
	fr := &fakeRunner{failOn: []string{"image inspect"}}
	d := NewDocker(DockerConfig{ReportsDir: "/tmp/reports"}, fr, testLogger())

	r, err := d.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !r.Provisioned {
		t.Error("expected Provisioned = true after pull")
	}
	if n := fr.count("docker pull soxoj/maigret:latest"); n != 1 {
		t.Errorf("docker pull ran %d times, want 1", n)
	}
}

func TestDocker_RuntimeUnavailable(t *testing.T) {
	fr := &fakeRunner{failOn: []string{"docker version"}}
	d := NewDocker(DockerConfig{}, fr, testLogger())

	r, err := d.EnsureReady(context.Background())
	assertStage(t, err, StageRuntime)
	if !strings.Contains(err.Error(), "runtime unavailable") {
		t.Errorf("error = %q, want runtime unavailable", err.Error())
	}
	if r.State != StateFailed {
		t.Errorf("state = %s, want failed", r.State)
	}
	if n := len(fr.commands()); n != 1 {
		t.Errorf("ran %d commands after runtime failure, want 1", n)
	}
}

func TestDocker_PullFailed(t *testing.T) {
	fr := &fakeRunner{failOn: []string{"image inspect", "docker pull"}}
	d := NewDocker(DockerConfig{}, fr, testLogger())

	_, err := d.EnsureReady(context.Background())
	assertStage(t, err, StagePull)
	if !strings.Contains(err.Error(), "pull failed") {
		t.Errorf("error = %q, want pull failed", err.Error())
	}
}

func TestDocker_ReChecksEveryCall(t *testing.T) {
	fr := &fakeRunner{}
	d := NewDocker(DockerConfig{}, fr, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := d.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady #%d: %v", i, err)
		}
	}
	if n := fr.count("image inspect"); n != 3 {
		t.Errorf("image inspect ran %d times, want 3", n)
	}
}

func TestDocker_Command(t *testing.T) {
	d := NewDocker(DockerConfig{Image: "img:1", ReportsDir: "/data/reports"}, &fakeRunner{}, testLogger())

	got := d.Command([]string{"alice", "--txt"}).String()
	want := "docker run --rm -v /data/reports:/app/reports img:1 alice --txt"
	if got != want {
		t.Errorf("Command() = %q, want %q", got, want)
	}
	if d.OutputDir() != "/app/reports" {
		t.Errorf("OutputDir() = %q", d.OutputDir())
	}
}

func TestDocker_ProbeDoesNotPull(t *testing.T) {
	fr := &fakeRunner{failOn: []string{"image inspect"}}
	d := NewDocker(DockerConfig{}, fr, testLogger())

	if err := d.Probe(context.Background()); err == nil {
		t.Fatal("expected probe error for missing image")
	}
	if n := fr.count("docker pull"); n != 0 {
		t.Errorf("probe pulled the image %d times", n)
	}
}

// --- Venv ---

func newBootstrapServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("print('bootstrap')\n"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// venvCreator simulates `python -m venv` by creating the interpreter and
// the get-pip bootstrap by creating pip.
func venvCreator(t *testing.T, v **Venv) func(c runner.Command) {
	return func(c runner.Command) {
		switch cmd := c.String(); {
		case strings.Contains(cmd, "-m venv"):
			touch(t, (*v).PythonPath())
		case strings.Contains(cmd, "get-pip-"):
			touch(t, (*v).PipPath())
		}
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// seedVenv lays out an already provisioned environment.
func seedVenv(t *testing.T, v *Venv) {
	t.Helper()
	touch(t, v.PythonPath())
	touch(t, v.PipPath())
}

func TestVenv_ProvisionsFreshEnvironment(t *testing.T) {
	srv := newBootstrapServer(t, http.StatusOK)
	dir := filepath.Join(t.TempDir(), "venv")

	var v *Venv
	fr := &fakeRunner{}
	fr.onRun = venvCreator(t, &v)
	v = NewVenv(VenvConfig{Dir: dir, BootstrapURL: srv.URL, UpgradePolicy: UpgradeNever}, fr, testLogger())

	r, err := v.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !r.Provisioned || !r.Upgraded {
		t.Errorf("readiness = %+v, want provisioned and upgraded", r)
	}

	cmds := fr.commands()
	wantOrder := []string{"--version", "-m venv --without-pip", "get-pip-", "install --upgrade pip", "install --upgrade maigret", "-m maigret --version"}
	if len(cmds) != len(wantOrder) {
		t.Fatalf("commands = %q, want %d entries", cmds, len(wantOrder))
	}
	for i, w := range wantOrder {
		if !strings.Contains(cmds[i], w) {
			t.Errorf("command[%d] = %q, want it to contain %q", i, cmds[i], w)
		}
	}

	// The bootstrap artifact is removed.
	matches, _ := filepath.Glob(filepath.Join(dir, "get-pip-*.py"))
	if len(matches) != 0 {
		t.Errorf("bootstrap script left behind: %v", matches)
	}
}

func TestVenv_UpgradePolicies(t *testing.T) {
	tests := []struct {
		policy       UpgradePolicy
		wantUpgrades int // pip upgrades across three calls on an existing venv
	}{
		{UpgradeAlways, 3},
		{UpgradeOnce, 1},
		{UpgradeNever, 0},
	}

	for _, tc := range tests {
		t.Run(string(tc.policy), func(t *testing.T) {
			dir := t.TempDir()
			fr := &fakeRunner{}
			v := NewVenv(VenvConfig{Dir: dir, UpgradePolicy: tc.policy}, fr, testLogger())
			seedVenv(t, v)

			for i := 0; i < 3; i++ {
				r, err := v.EnsureReady(context.Background())
				if err != nil {
					t.Fatalf("EnsureReady #%d: %v", i, err)
				}
				if r.Provisioned {
					t.Errorf("call #%d provisioned an existing venv", i)
				}
			}
			if got := fr.count("install --upgrade pip"); got != tc.wantUpgrades {
				t.Errorf("pip upgrades = %d, want %d", got, tc.wantUpgrades)
			}
			if got := fr.count("-m maigret --version"); got != 3 {
				t.Errorf("version probes = %d, want 3", got)
			}
		})
	}
}

func TestVenv_BootstrapDownloadFails(t *testing.T) {
	srv := newBootstrapServer(t, http.StatusNotFound)
	dir := filepath.Join(t.TempDir(), "venv")

	var v *Venv
	fr := &fakeRunner{}
	fr.onRun = venvCreator(t, &v)
	v = NewVenv(VenvConfig{Dir: dir, BootstrapURL: srv.URL}, fr, testLogger())

	_, err := v.EnsureReady(context.Background())
	assertStage(t, err, StageBootstrap)
	if n := fr.count("install --upgrade"); n != 0 {
		t.Errorf("install ran %d times after failed bootstrap", n)
	}
}

func TestVenv_RecoversFromFailedBootstrap(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("print('bootstrap')\n"))
	}))
	t.Cleanup(srv.Close)
	dir := filepath.Join(t.TempDir(), "venv")

	var v *Venv
	fr := &fakeRunner{}
	fr.onRun = venvCreator(t, &v)
	v = NewVenv(VenvConfig{Dir: dir, BootstrapURL: srv.URL, UpgradePolicy: UpgradeAlways}, fr, testLogger())

	_, err := v.EnsureReady(context.Background())
	assertStage(t, err, StageBootstrap)
	if _, statErr := os.Stat(v.PythonPath()); statErr != nil {
		t.Fatalf("interpreter should exist after venv creation: %v", statErr)
	}

	status.Store(http.StatusOK)
	r, err := v.EnsureReady(context.Background())
	if err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if !r.Provisioned {
		t.Errorf("readiness = %+v, want provisioned", r)
	}
	if got := fr.count("get-pip-"); got != 1 {
		t.Errorf("bootstrap runs = %d, want 1", got)
	}
	if got := fr.count("-m venv --without-pip"); got != 2 {
		t.Errorf("venv creations = %d, want 2", got)
	}

	if _, err := v.EnsureReady(context.Background()); err != nil {
		t.Fatalf("third EnsureReady: %v", err)
	}
	if got := fr.count("-m venv --without-pip"); got != 2 {
		t.Errorf("healthy venv was recreated: %d creations", got)
	}
}

func TestVenv_MissingPipNotPresent(t *testing.T) {
	v := NewVenv(VenvConfig{Dir: t.TempDir()}, &fakeRunner{}, testLogger())
	touch(t, v.PythonPath())

	present, err := v.checkPresent(context.Background())
	if err != nil || present {
		t.Fatalf("checkPresent = %v, %v; want false with pip missing", present, err)
	}
	touch(t, v.PipPath())
	if present, err := v.checkPresent(context.Background()); err != nil || !present {
		t.Fatalf("checkPresent = %v, %v; want true", present, err)
	}
}

func TestVenv_InstallFails(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{failOn: []string{"install --upgrade maigret"}}
	v := NewVenv(VenvConfig{Dir: dir}, fr, testLogger())
	seedVenv(t, v)

	_, err := v.EnsureReady(context.Background())
	assertStage(t, err, StageInstall)
}

func TestVenv_VerificationFails(t *testing.T) {
	dir := t.TempDir()
	fr := &fakeRunner{failOn: []string{"-m maigret --version"}}
	v := NewVenv(VenvConfig{Dir: dir, UpgradePolicy: UpgradeNever}, fr, testLogger())
	seedVenv(t, v)

	_, err := v.EnsureReady(context.Background())
	assertStage(t, err, StageVerify)
	if !strings.Contains(err.Error(), "verification failed") {
		t.Errorf("error = %q, want verification failed", err.Error())
	}
}

func TestVenv_BaseInterpreterMissing(t *testing.T) {
	fr := &fakeRunner{failOn: []string{"python3 --version", "python --version"}}
	v := NewVenv(VenvConfig{Dir: t.TempDir()}, fr, testLogger())

	_, err := v.EnsureReady(context.Background())
	assertStage(t, err, StageRuntime)
}

func TestVenv_Command(t *testing.T) {
	v := NewVenv(VenvConfig{Dir: "/opt/venv"}, &fakeRunner{}, testLogger())

	got := v.Command([]string{"alice"}).Args
	if got[0] != v.PythonPath() || got[1] != "-m" || got[2] != "maigret" || got[3] != "alice" {
		t.Errorf("Command() = %q", got)
	}
	if v.OutputDir() != "" {
		t.Errorf("OutputDir() = %q, want empty", v.OutputDir())
	}
}

func TestParseUpgradePolicy(t *testing.T) {
	for in, want := range map[string]UpgradePolicy{"": UpgradeAlways, "always": UpgradeAlways, "once": UpgradeOnce, "never": UpgradeNever} {
		got, err := ParseUpgradePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseUpgradePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseUpgradePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestState_String(t *testing.T) {
	if StateProvisioning.String() != "provisioning" {
		t.Errorf("String() = %q", StateProvisioning.String())
	}
	if State(99).String() != "state(99)" {
		t.Errorf("String() = %q", State(99).String())
	}
}

func assertStage(t *testing.T, err error, want Stage) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s failure, got nil", want)
	}
	if !errors.Is(err, ErrProvisioning) {
		t.Errorf("errors.Is(err, ErrProvisioning) = false for %v", err)
	}
	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProvisioningError, got %T", err)
	}
	if pe.Stage != want {
		t.Errorf("stage = %s, want %s", pe.Stage, want)
	}
}

func TestLocation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		env  Environment
		want string
	}{
		{"docker image", NewDocker(DockerConfig{Image: "img:1"}, &fakeRunner{}, testLogger()), "img:1"},
		{"docker default", NewDocker(DockerConfig{}, &fakeRunner{}, testLogger()), defaultDockerImage},
		{"venv dir", NewVenv(VenvConfig{Dir: dir}, &fakeRunner{}, testLogger()), dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Location(); got != tt.want {
				t.Errorf("Location() = %q, want %q", got, tt.want)
			}
		})
	}
}
