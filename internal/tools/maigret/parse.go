package maigret

import (
	"context"
	"log/slog"

	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// ParseTool extracts identifiers from a profile page and searches for them.
type ParseTool struct {
	base
}

// NewParseTool creates the parse_url tool.
func NewParseTool(deps Deps) *ParseTool {
	return &ParseTool{base{deps}}
}

func (t *ParseTool) Name() string { return "parse_url" }
func (t *ParseTool) Description() string {
	return "Parse a profile page URL, extract usernames and IDs, and search for them using maigret"
}

func (t *ParseTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":    subjectSchema("Profile page URL to parse"),
			"format": formatSchema(t.resolveFormat("")),
		},
		"required": []string{"url"},
	}
}

// Validate checks that params are present and well-formed.
func (t *ParseTool) Validate(params map[string]any) error {
	_, err := decodeParse(params)
	return err
}

// Args builds the maigret argv for a request.
func (t *ParseTool) Args(req *ParseRequest) []string {
	args := []string{"--parse", req.URL}
	return append(args, t.commonArgs(t.resolveFormat(req.Format))...)
}

// Execute runs maigret in URL-parse mode and returns its raw output.
func (t *ParseTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := decodeParse(params)
	if err != nil {
		return nil, err
	}
	f := t.resolveFormat(req.Format)
	meta := map[string]any{
		tools.MetaSubject: req.URL,
		tools.MetaFormat:  string(f),
	}

	t.Logger.Info("parsing url",
		slog.String("url", req.URL),
		slog.String("format", string(f)),
	)

	inv, err := t.invoke(ctx, req.URL, f, t.Args(req))
	if err != nil {
		return failure(t.Name(), err, meta), nil
	}
	meta[tools.MetaReportPath] = inv.reportPath
	meta[tools.MetaExitCode] = inv.result.ExitCode

	return &tools.Result{
		Output:   withErrors(inv.result.Stdout, inv.result.Stderr),
		Metadata: meta,
	}, nil
}

var _ tools.Tool = (*ParseTool)(nil)
