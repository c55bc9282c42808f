package maigret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// SearchTool looks a username up across maigret's site database.
type SearchTool struct {
	base
}

// NewSearchTool creates the search_username tool.
func NewSearchTool(deps Deps) *SearchTool {
	return &SearchTool{base{deps}}
}

func (t *SearchTool) Name() string { return "search_username" }
func (t *SearchTool) Description() string {
	return "Search for accounts registered under a username across social networks and websites using maigret"
}

func (t *SearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"username": subjectSchema("Username to search for"),
			"format":   formatSchema(t.resolveFormat("")),
			"use_all_sites": map[string]any{
				"type":        "boolean",
				"description": "Check all sites in the database instead of the top-ranked ones",
				"default":     false,
			},
			"tags": map[string]any{
				"type":        "array",
				"description": "Only check sites with these tags (e.g. photo, dating, us). Tags must be non-empty and must not contain commas.",
				"items":       map[string]any{"type": "string", "minLength": 1, "pattern": "^[^,]+$"},
			},
		},
		"required": []string{"username"},
	}
}

// Validate checks that params are present and well-formed.
func (t *SearchTool) Validate(params map[string]any) error {
	_, err := decodeSearch(params)
	return err
}

// Args builds the maigret argv for a request.
func (t *SearchTool) Args(req *SearchRequest) []string {
	f := t.resolveFormat(req.Format)
	args := []string{req.Username}
	args = append(args, t.commonArgs(f)...)
	if req.UseAllSites {
		args = append(args, "-a")
	}
	if len(req.Tags) > 0 {
		args = append(args, "--tags", strings.Join(req.Tags, ","))
	}
	return args
}

// Execute runs the search and reports where the report was saved.
func (t *SearchTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	req, err := decodeSearch(params)
	if err != nil {
		return nil, err
	}
	f := t.resolveFormat(req.Format)
	meta := map[string]any{
		tools.MetaSubject: req.Username,
		tools.MetaFormat:  string(f),
	}

	t.Logger.Info("searching username",
		slog.String("username", req.Username),
		slog.String("format", string(f)),
		slog.Bool("all_sites", req.UseAllSites),
		slog.Int("tags", len(req.Tags)),
	)

	inv, err := t.invoke(ctx, req.Username, f, t.Args(req))
	if err != nil {
		return failure(t.Name(), err, meta), nil
	}
	meta[tools.MetaReportPath] = inv.reportPath
	meta[tools.MetaExitCode] = inv.result.ExitCode

	out := fmt.Sprintf("Search completed for %q.\nReport saved to: %s\n\nOutput:\n%s",
		req.Username, inv.reportPath, inv.result.Stdout)
	return &tools.Result{
		Output:   withErrors(out, inv.result.Stderr),
		Metadata: meta,
	}, nil
}

var _ tools.Tool = (*SearchTool)(nil)
