// Package viewtools provides the tools that manage topic views.
package viewtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
)

type createArgs struct {
	Name          string `json:"name" jsonschema:"description=Unique name of the topic view"`
	Specification string `json:"specification" jsonschema:"description=Topic view DSL such as map ?sensors// to views/<path(1)>"`
}

type nameArgs struct {
	Name string `json:"name" jsonschema:"description=Name of the topic view"`
}

type listResult struct {
	Count int                 `json:"count"`
	Views []backend.TopicView `json:"views"`
}

// Tools returns the topic view tools.
func Tools() []*tools.Tool {
	return []*tools.Tool{
		tools.MustNew(tools.Spec[createArgs]{
			Name: "create_topic_view",
			Description: "Create or replace a topic view. The specification uses the topic view DSL " +
				"and must start with \"map\".",
			Check: func(a *createArgs) error {
				if err := checkName(&a.Name); err != nil {
					return err
				}
				a.Specification = strings.TrimSpace(a.Specification)
				if a.Specification == "" {
					return fmt.Errorf("specification must not be empty")
				}
				return nil
			},
			Identify: func(a createArgs) [][2]string { return [][2]string{{"name", a.Name}} },
			Handler: func(ctx context.Context, call tools.Call, a createArgs) (any, error) {
				v, err := call.Session().TopicViews().Create(ctx, a.Name, a.Specification)
				if err != nil {
					return nil, fmt.Errorf("viewtools: create %q: %w", a.Name, err)
				}
				return v, nil
			},
		}),
		tools.MustNew(tools.Spec[struct{}]{
			Name:        "list_topic_views",
			Description: "List the topic views defined on the server.",
			Handler: func(ctx context.Context, call tools.Call, _ struct{}) (any, error) {
				views, err := call.Session().TopicViews().List(ctx)
				if err != nil {
					return nil, fmt.Errorf("viewtools: list: %w", err)
				}
				if views == nil {
					views = []backend.TopicView{}
				}
				return listResult{Count: len(views), Views: views}, nil
			},
		}),
		tools.MustNew(tools.Spec[nameArgs]{
			Name:        "remove_topic_view",
			Description: "Remove a topic view by name.",
			Check:       func(a *nameArgs) error { return checkName(&a.Name) },
			Identify:    func(a nameArgs) [][2]string { return [][2]string{{"name", a.Name}} },
			Handler: func(ctx context.Context, call tools.Call, a nameArgs) (any, error) {
				if err := call.Session().TopicViews().Remove(ctx, a.Name); err != nil {
					return nil, fmt.Errorf("viewtools: remove %q: %w", a.Name, err)
				}
				return map[string]any{"name": a.Name, "removed": true}, nil
			},
		}),
	}
}

func checkName(s *string) error {
	*s = strings.TrimSpace(*s)
	if *s == "" {
		return fmt.Errorf("name must not be empty")
	}
	return nil
}
