package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Wesbrine/hydra-social/pkg/api/streaming"
)

// compileFilter compiles a CEL expression into a predicate. An empty
// expression yields nil. Evaluation errors reject the status.
//
// Variables: status (the decoded JSON document), content, language, account
// (acct), tags (lower-cased names), media (attachment count), reply, reblog,
// sensitive.
func compileFilter(expr string) (streaming.Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("status", cel.DynType),
		cel.Variable("content", cel.StringType),
		cel.Variable("language", cel.StringType),
		cel.Variable("account", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("media", cel.IntType),
		cel.Variable("reply", cel.BoolType),
		cel.Variable("reblog", cel.BoolType),
		cel.Variable("sensitive", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalidFeed, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalidFeed, iss.Err())
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: filter must evaluate to bool, got %s", ErrInvalidFeed, out)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("filter program: %w", err)
	}

	return func(s *streaming.Status) bool {
		var doc any
		if raw, err := json.Marshal(s); err == nil {
			_ = json.Unmarshal(raw, &doc)
		}
		tags := make([]string, 0, len(s.Tags))
		for _, t := range s.Tags {
			tags = append(tags, strings.ToLower(t.Name))
		}
		out, _, err := prog.Eval(map[string]any{
			"status":    doc,
			"content":   s.Content,
			"language":  s.Language,
			"account":   s.Account.Acct,
			"tags":      tags,
			"media":     int64(len(s.MediaAttachments)),
			"reply":     s.IsReply(),
			"reblog":    s.Reblog != nil,
			"sensitive": s.Sensitive,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}
