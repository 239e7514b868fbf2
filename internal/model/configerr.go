package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigIssue is one problem found by LoadConfig, located in the config file.
type ConfigIssue struct {
	Path    string // engine.backoff.kind
	Code    string // unknown_field | missing_required | conflicting_values | invalid_value
	Message string
	File    string
	Line    int
	Column  int
}

func (i ConfigIssue) String() string {
	return fmt.Sprintf("%s:%d:%d: %s (%s)", i.File, i.Line, i.Column, i.Message, i.Code)
}

func (i ConfigIssue) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("code", i.Code),
		slog.String("path", i.Path),
		slog.String("message", i.Message),
		slog.String("file", i.File),
		slog.Int("line", i.Line),
		slog.Int("column", i.Column),
	)
}

var issueKinds = []struct {
	code string
	rx   *regexp.Regexp
	msg  string
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed|unknown field`), "field %s is not allowed"},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`), "field %s is required"},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|invalid value`), "field %s has invalid value"},
}

// ConfigIssues explains an error returned by LoadConfig. It returns nil for
// errors which do not come from the schema validation.
func ConfigIssues(err error) []ConfigIssue {
	var out []ConfigIssue
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		file, line, column, ok := location(e)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s:%d:%d", file, line, column)
		if seen[key] {
			continue
		}
		seen[key] = true

		path := configPath(e.Path())
		issue := ConfigIssue{
			Path:    path,
			Code:    "validation_error",
			Message: e.Error(),
			File:    file,
			Line:    line,
			Column:  column,
		}
		raw, _ := e.Msg()
		for _, k := range issueKinds {
			if k.rx.MatchString(raw) {
				issue.Code = k.code
				issue.Message = fmt.Sprintf(k.msg, path)
				break
			}
		}
		if values := choices(path); len(values) > 0 {
			issue.Message += ", expected one of " + strings.Join(values, ", ")
		}
		out = append(out, issue)
	}
	return out
}

// CueErrDetails formats ConfigIssues, errors which can't be explained are
// returned as they are.
func CueErrDetails(err error) []string {
	issues := ConfigIssues(err)
	if len(issues) == 0 && err != nil {
		return []string{err.Error()}
	}
	ret := make([]string, len(issues))
	for i, issue := range issues {
		ret[i] = issue.String()
	}
	return ret
}

func location(e cueerrors.Error) (string, int, int, bool) {
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() != "" {
			return p.Filename(), p.Line(), p.Column(), true
		}
	}
	return "", 0, 0, false
}

// configPath drops the leading #Config definition.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

// choices lists the allowed values of a string enum in the schema.
func choices(path string) []string {
	if path == "" {
		return nil
	}
	v := schema.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values
}
