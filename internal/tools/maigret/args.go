package maigret

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/jkaninda/maigret-mcp/internal/tools"
)

// SearchRequest is the decoded input of search_username.
type SearchRequest struct {
	Username    string   `json:"username"`
	Format      Format   `json:"format"`
	UseAllSites bool     `json:"use_all_sites"`
	Tags        []string `json:"tags"`
}

// ParseRequest is the decoded input of parse_url.
type ParseRequest struct {
	URL    string `json:"url"`
	Format Format `json:"format"`
}

func decodeSearch(params map[string]any) (*SearchRequest, error) {
	var req SearchRequest
	var err error
	if req.Username, err = optionalString(params, "username"); err != nil {
		return nil, err
	}
	format, err := optionalString(params, "format")
	if err != nil {
		return nil, err
	}
	req.Format = Format(strings.ToLower(format))
	if req.UseAllSites, err = optionalBool(params, "use_all_sites"); err != nil {
		return nil, err
	}
	if req.Tags, err = optionalStrings(params, "tags"); err != nil {
		return nil, err
	}

	if err := validation.ValidateStruct(&req,
		validation.Field(&req.Username, validation.Required, validation.By(notBlank), validation.By(notFlag)),
		validation.Field(&req.Format, validation.By(knownFormat)),
		validation.Field(&req.Tags, validation.Each(validation.Required, validation.By(noComma))),
	); err != nil {
		return nil, invalid(err)
	}
	return &req, nil
}

func decodeParse(params map[string]any) (*ParseRequest, error) {
	var req ParseRequest
	var err error
	if req.URL, err = optionalString(params, "url"); err != nil {
		return nil, err
	}
	format, err := optionalString(params, "format")
	if err != nil {
		return nil, err
	}
	req.Format = Format(strings.ToLower(format))

	if err := validation.ValidateStruct(&req,
		validation.Field(&req.URL, validation.Required, validation.By(notBlank), validation.By(notFlag)),
		validation.Field(&req.Format, validation.By(knownFormat)),
	); err != nil {
		return nil, invalid(err)
	}
	return &req, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", tools.ErrInvalidArguments, err)
}

func optionalString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(fmt.Errorf("%s: must be a string, got %T", key, v))
	}
	return s, nil
}

func optionalBool(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalid(fmt.Errorf("%s: must be a boolean, got %T", key, v))
	}
	return b, nil
}

func optionalStrings(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, invalid(fmt.Errorf("%s[%d]: must be a string, got %T", key, i, item))
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalid(fmt.Errorf("%s: must be an array of strings, got %T", key, v))
	}
}

func notBlank(value any) error {
	if s, _ := value.(string); strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

// notFlag keeps subjects from being read as maigret options.
func notFlag(value any) error {
	if s, _ := value.(string); strings.HasPrefix(s, "-") {
		return errors.New("must not start with '-'")
	}
	return nil
}

func knownFormat(value any) error {
	f, _ := value.(Format)
	if f == "" {
		return nil
	}
	_, err := ParseFormat(string(f))
	return err
}

// noComma keeps a tag from splitting into several when the list is joined
// for --tags.
func noComma(value any) error {
	if s, _ := value.(string); strings.Contains(s, ",") {
		return errors.New("must not contain ','")
	}
	return nil
}
