// Package maigret implements the MCP tools backed by the maigret CLI.
// All commands run through the configured execution environment; argv
// slices are passed to the runner directly and never through a shell.
package maigret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/maigret-mcp/internal/environment"
	"github.com/jkaninda/maigret-mcp/internal/reports"
	"github.com/jkaninda/maigret-mcp/internal/runner"
	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// Config controls per-variant output behavior.
type Config struct {
	// DefaultFormat is used when a request omits "format".
	DefaultFormat Format
	// ReportExtension, when set, overrides the format as the extension of
	// reports written from captured stdout.
	ReportExtension string
}

// DefaultConfig returns the output defaults for an environment variant.
func DefaultConfig(v environment.Variant) Config {
	if v == environment.VariantVenv {
		return Config{DefaultFormat: FormatTXT, ReportExtension: string(FormatTXT)}
	}
	return Config{DefaultFormat: FormatPDF}
}

// Deps are the collaborators shared by both tools.
type Deps struct {
	Env     environment.Environment
	Runner  runner.Runner
	Reports *reports.Dir
	Config  Config
	Logger  *slog.Logger
}

// Register adds search_username and parse_url to reg.
func Register(reg *tools.Registry, deps Deps) {
	reg.Register(NewSearchTool(deps))
	reg.Register(NewParseTool(deps))
}

type base struct {
	Deps
}

func (b *base) resolveFormat(f Format) Format {
	if f != "" {
		return f
	}
	if b.Config.DefaultFormat != "" {
		return b.Config.DefaultFormat
	}
	return FormatTXT
}

func (b *base) extension(f Format) string {
	if b.Config.ReportExtension != "" {
		return b.Config.ReportExtension
	}
	return string(f)
}

// commonArgs are appended after the subject of every invocation.
func (b *base) commonArgs(f Format) []string {
	args := []string{"--no-color", "--no-progressbar"}
	args = append(args, f.Flags()...)
	if dir := b.Env.OutputDir(); dir != "" {
		args = append(args, "--folderoutput", dir)
	}
	return args
}

// invocation is the outcome of one maigret run.
type invocation struct {
	result     *runner.Result
	reportPath string
}

// invoke runs maigret and persists stdout when the environment does not
// write reports itself. On failure nothing is written.
func (b *base) invoke(ctx context.Context, subject string, f Format, args []string) (*invocation, error) {
	cmd := b.Env.Command(args)
	res, err := b.Runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	ext := b.extension(f)
	if b.Env.OutputDir() != "" {
		return &invocation{result: res, reportPath: b.Reports.ReportPath(subject, ext)}, nil
	}

	path, err := b.Reports.Write(subject, ext, []byte(res.Stdout))
	if err != nil {
		return nil, err
	}
	b.Logger.Info("report written",
		slog.String("path", path),
		slog.Int("bytes", len(res.Stdout)),
	)
	return &invocation{result: res, reportPath: path}, nil
}

func failure(tool string, err error, meta map[string]any) *tools.Result {
	return tools.ErrorResult(fmt.Sprintf("%s failed: %v", tool, err), meta)
}

// withErrors appends stderr under an "Errors:" heading when non-empty.
func withErrors(out, stderr string) string {
	if stderr == "" {
		return out
	}
	var sb strings.Builder
	sb.WriteString(out)
	sb.WriteString("\n\nErrors:\n")
	sb.WriteString(stderr)
	return sb.String()
}

func subjectSchema(description string) map[string]any {
	return map[string]any{"type": "string", "description": description, "minLength": 1}
}

func formatSchema(def Format) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Report format",
		"enum":        formatNames(),
		"default":     string(def),
	}
}
