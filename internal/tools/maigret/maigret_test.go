package maigret

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/maigret-mcp/internal/environment"
	"github.com/jkaninda/maigret-mcp/internal/reports"
	"github.com/jkaninda/maigret-mcp/internal/runner"
	"github.com/jkaninda/maigret-mcp/internal/tools"
)

type fakeEnv struct {
	variant   environment.Variant
	outputDir string
}

func (e *fakeEnv) Variant() environment.Variant { return e.variant }
func (e *fakeEnv) EnsureReady(context.Context) (environment.Readiness, error) {
	return environment.Readiness{Variant: e.variant, State: environment.StateReady}, nil
}
func (e *fakeEnv) Probe(context.Context) error { return nil }
func (e *fakeEnv) Location() string             { return "fake" }
func (e *fakeEnv) Command(args []string) runner.Command {
	return runner.Command{Args: append([]string{"maigret"}, args...)}
}
func (e *fakeEnv) OutputDir() string { return e.outputDir }

type fakeRunner struct {
	result *runner.Result
	err    error
	calls  []runner.Command
}

func (f *fakeRunner) Run(_ context.Context, c runner.Command) (*runner.Result, error) {
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &runner.Result{}, nil
	}
	return f.result, nil
}

func newDeps(t *testing.T, variant environment.Variant, fr *fakeRunner) Deps {
	t.Helper()
	dir, err := reports.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	env := &fakeEnv{variant: variant}
	if variant == environment.VariantDocker {
		env.outputDir = environment.DefaultContainerReportsDir
	}
	return Deps{
		Env:     env,
		Runner:  fr,
		Reports: dir,
		Config:  DefaultConfig(variant),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// --- Validation ---

func TestSearchValidate(t *testing.T) {
	tool := NewSearchTool(newDeps(t, environment.VariantDocker, &fakeRunner{}))

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid minimal", map[string]any{"username": "alice"}, false},
		{"valid full", map[string]any{"username": "alice", "format": "json", "use_all_sites": true, "tags": []any{"photo", "us"}}, false},
		{"format case-insensitive", map[string]any{"username": "alice", "format": "PDF"}, false},
		{"missing username", map[string]any{}, true},
		{"empty username", map[string]any{"username": ""}, true},
		{"blank username", map[string]any{"username": "   "}, true},
		{"username not a string", map[string]any{"username": 42}, true},
		{"flag-like username", map[string]any{"username": "--help"}, true},
		{"unknown format", map[string]any{"username": "alice", "format": "docx"}, true},
		{"use_all_sites not bool", map[string]any{"username": "alice", "use_all_sites": "yes"}, true},
		{"tags not array", map[string]any{"username": "alice", "tags": "photo"}, true},
		{"tag not string", map[string]any{"username": "alice", "tags": []any{"ok", 1}}, true},
		{"empty tag", map[string]any{"username": "alice", "tags": []any{""}}, true},
		{"tag with comma", map[string]any{"username": "alice", "tags": []any{"a,b"}}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tool.Validate(tc.params)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, tools.ErrInvalidArguments) {
				t.Errorf("error %v does not wrap ErrInvalidArguments", err)
			}
		})
	}
}

func TestValidate_ErrorsUseSchemaKeys(t *testing.T) {
	search := NewSearchTool(newDeps(t, environment.VariantDocker, &fakeRunner{}))
	parse := NewParseTool(newDeps(t, environment.VariantDocker, &fakeRunner{}))

	tests := []struct {
		name   string
		tool   tools.Tool
		params map[string]any
		want   string
		reject string
	}{
		{"blank username", search, map[string]any{"username": " "}, "username: cannot be blank", "Username"},
		{"unknown format", search, map[string]any{"username": "alice", "format": "docx"}, `format: unknown format "docx"`, "Format"},
		{"empty tag", search, map[string]any{"username": "alice", "tags": []any{""}}, "tags: (0: cannot be blank", "Tags"},
		{"comma tag", search, map[string]any{"username": "alice", "tags": []any{"ok", "a,b"}}, "tags: (1: must not contain ','", "Tags"},
		{"missing url", parse, map[string]any{}, "url: cannot be blank", "URL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.tool.Validate(tc.params)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to contain %q", err, tc.want)
			}
			if strings.Contains(err.Error(), tc.reject) {
				t.Errorf("error = %q leaks Go field name %q", err, tc.reject)
			}
		})
	}
}

func TestParseValidate(t *testing.T) {
	tool := NewParseTool(newDeps(t, environment.VariantDocker, &fakeRunner{}))

	if err := tool.Validate(map[string]any{"url": "https://example.com/x"}); err != nil {
		t.Errorf("valid url rejected: %v", err)
	}
	for _, params := range []map[string]any{{}, {"url": ""}, {"url": 1}, {"url": "https://x", "format": "bogus"}} {
		if err := tool.Validate(params); !errors.Is(err, tools.ErrInvalidArguments) {
			t.Errorf("Validate(%v) = %v, want ErrInvalidArguments", params, err)
		}
	}
}

// --- Argument assembly ---

func TestSearchArgs_Docker(t *testing.T) {
	tool := NewSearchTool(newDeps(t, environment.VariantDocker, &fakeRunner{}))

	got := tool.Args(&SearchRequest{Username: "alice", UseAllSites: true, Tags: []string{"photo", "us"}})
	want := []string{"alice", "--no-color", "--no-progressbar", "--pdf", "--folderoutput", "/app/reports", "-a", "--tags", "photo,us"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Args() = %q, want %q", got, want)
	}
}

func TestSearchArgs_FormatFlags(t *testing.T) {
	tool := NewSearchTool(newDeps(t, environment.VariantVenv, &fakeRunner{}))

	tests := map[Format]string{
		FormatTXT:   "--txt",
		FormatHTML:  "--html",
		FormatPDF:   "--pdf",
		FormatJSON:  "--json simple",
		FormatCSV:   "--csv",
		FormatXMind: "--xmind",
		"":          "--txt",
	}
	for f, flag := range tests {
		got := strings.Join(tool.Args(&SearchRequest{Username: "bob", Format: f}), " ")
		want := "bob --no-color --no-progressbar " + flag
		if got != want {
			t.Errorf("format %q: Args() = %q, want %q", f, got, want)
		}
	}
}

func TestParseArgs(t *testing.T) {
	tool := NewParseTool(newDeps(t, environment.VariantDocker, &fakeRunner{}))

	got := strings.Join(tool.Args(&ParseRequest{URL: "https://example.com/x"}), " ")
	want := "--parse https://example.com/x --no-color --no-progressbar --pdf --folderoutput /app/reports"
	if got != want {
		t.Errorf("Args() = %q, want %q", got, want)
	}
}

// --- Execution ---

func TestSearchExecute_VenvWritesReport(t *testing.T) {
	fr := &fakeRunner{result: &runner.Result{Stdout: "[+] GitHub: https://github.com/john/doe\n"}}
	deps := newDeps(t, environment.VariantVenv, fr)
	tool := NewSearchTool(deps)

	res, err := tool.Execute(context.Background(), map[string]any{"username": "john/doe", "format": "txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Output)
	}

	wantPath := filepath.Join(deps.Reports.Path(), "report_john_doe.txt")
	if !strings.Contains(res.Output, wantPath) {
		t.Errorf("output %q does not contain report path %q", res.Output, wantPath)
	}
	if !strings.HasPrefix(res.Output, `Search completed for "john/doe".`) {
		t.Errorf("unexpected output header: %q", res.Output)
	}
	if !strings.Contains(res.Output, "Output:\n[+] GitHub") {
		t.Errorf("stdout missing from output: %q", res.Output)
	}
	if strings.Contains(res.Output, "Errors:") {
		t.Errorf("empty stderr should not add an Errors section: %q", res.Output)
	}

	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if string(data) != fr.result.Stdout {
		t.Errorf("report content = %q", data)
	}
	if res.Metadata[tools.MetaReportPath] != wantPath {
		t.Errorf("metadata report_path = %v", res.Metadata[tools.MetaReportPath])
	}
}

func TestSearchExecute_VenvFixedExtension(t *testing.T) {
	fr := &fakeRunner{result: &runner.Result{Stdout: "x"}}
	deps := newDeps(t, environment.VariantVenv, fr)

	res, err := NewSearchTool(deps).Execute(context.Background(), map[string]any{"username": "alice", "format": "html"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, filepath.Join(deps.Reports.Path(), "report_alice.txt")) {
		t.Errorf("venv report should use the txt extension: %q", res.Output)
	}
}

func TestSearchExecute_DockerDoesNotWrite(t *testing.T) {
	fr := &fakeRunner{result: &runner.Result{Stdout: "done", Stderr: "warning: slow site"}}
	deps := newDeps(t, environment.VariantDocker, fr)

	res, err := NewSearchTool(deps).Execute(context.Background(), map[string]any{"username": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	wantPath := filepath.Join(deps.Reports.Path(), "report_alice.pdf")
	if !strings.Contains(res.Output, "Report saved to: "+wantPath) {
		t.Errorf("output = %q, want report path %q", res.Output, wantPath)
	}
	if !strings.HasSuffix(res.Output, "\n\nErrors:\nwarning: slow site") {
		t.Errorf("stderr section missing: %q", res.Output)
	}
	if _, err := os.Stat(wantPath); !os.IsNotExist(err) {
		t.Error("docker variant should leave report writing to maigret")
	}
	if got := fr.calls[0].Args[0]; got != "maigret" {
		t.Errorf("command not built by the environment: %q", fr.calls[0].Args)
	}
}

func TestParseExecute_RawOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		want   string
	}{
		{"stdout only", "parsed ids\n", "", "parsed ids\n"},
		{"with stderr", "parsed ids\n", "timeout on site", "parsed ids\n\n\nErrors:\ntimeout on site"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fr := &fakeRunner{result: &runner.Result{Stdout: tc.stdout, Stderr: tc.stderr}}
			res, err := NewParseTool(newDeps(t, environment.VariantDocker, fr)).
				Execute(context.Background(), map[string]any{"url": "https://example.com/x"})
			if err != nil {
				t.Fatal(err)
			}
			if res.Output != tc.want {
				t.Errorf("Output = %q, want %q", res.Output, tc.want)
			}
		})
	}
}

func TestExecute_RunnerFailureIsToolError(t *testing.T) {
	fr := &fakeRunner{err: &runner.ExecError{Args: []string{"maigret"}, ExitCode: 2, Stderr: "bad args", Err: runner.ErrExecution}}
	res, err := NewSearchTool(newDeps(t, environment.VariantVenv, fr)).
		Execute(context.Background(), map[string]any{"username": "alice"})
	if err != nil {
		t.Fatalf("runner failures must not be returned as errors: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError result")
	}
	if !strings.Contains(res.Output, "bad args") {
		t.Errorf("output %q should include stderr", res.Output)
	}
}

func TestExecute_BufferOverflowWritesNoReport(t *testing.T) {
	fr := &fakeRunner{err: &runner.ExecError{Args: []string{"maigret"}, ExitCode: -1, Err: runner.ErrBufferOverflow}}
	deps := newDeps(t, environment.VariantVenv, fr)

	res, err := NewSearchTool(deps).Execute(context.Background(), map[string]any{"username": "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected IsError result on overflow")
	}
	if _, err := os.Stat(deps.Reports.ReportPath("alice", "txt")); !os.IsNotExist(err) {
		t.Error("report file written despite overflow")
	}
}

func TestRegister(t *testing.T) {
	reg := tools.NewRegistry()
	Register(reg, newDeps(t, environment.VariantDocker, &fakeRunner{}))

	names := reg.List()
	if len(names) != 2 || names[0] != "parse_url" || names[1] != "search_username" {
		t.Fatalf("registered tools = %v", names)
	}
	for _, tool := range reg.All() {
		schema := tool.InputSchema()
		if schema["type"] != "object" {
			t.Errorf("%s schema type = %v", tool.Name(), schema["type"])
		}
		if req, _ := schema["required"].([]string); len(req) != 1 {
			t.Errorf("%s required = %v", tool.Name(), schema["required"])
		}
		if tool.Description() == "" {
			t.Errorf("%s has empty description", tool.Name())
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %q, %v", f, err)
	}
	if _, err := ParseFormat("docx"); err == nil {
		t.Error("expected error for unknown format")
	}
}
