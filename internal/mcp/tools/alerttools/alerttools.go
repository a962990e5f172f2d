// Package alerttools provides the tools that manage metric alerts.
package alerttools

import (
	"context"
	"fmt"
	"strings"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
)

type setArgs struct {
	Name          string `json:"name" jsonschema:"description=Unique name of the metric alert"`
	Specification string `json:"specification" jsonschema:"description=Metric alert DSL such as select os_system_load_average into topic metrics/load where value > 5"`
}

type nameArgs struct {
	Name string `json:"name" jsonschema:"description=Name of the metric alert"`
}

type listResult struct {
	Count  int                   `json:"count"`
	Alerts []backend.MetricAlert `json:"alerts"`
}

func identify(name string) [][2]string { return [][2]string{{"name", name}} }

// Tools returns the metric alert tools.
func Tools() []*tools.Tool {
	return []*tools.Tool{
		tools.MustNew(tools.Spec[setArgs]{
			Name:        "set_metric_alert",
			Description: "Create or replace a metric alert.",
			Check: func(a *setArgs) error {
				if err := checkName(&a.Name); err != nil {
					return err
				}
				a.Specification = strings.TrimSpace(a.Specification)
				if a.Specification == "" {
					return fmt.Errorf("specification must not be empty")
				}
				return nil
			},
			Identify: func(a setArgs) [][2]string { return identify(a.Name) },
			Handler: func(ctx context.Context, call tools.Call, a setArgs) (any, error) {
				if err := call.Session().Metrics().SetAlert(ctx, a.Name, a.Specification); err != nil {
					return nil, fmt.Errorf("alerttools: set %q: %w", a.Name, err)
				}
				return backend.MetricAlert{Name: a.Name, Specification: a.Specification}, nil
			},
		}),
		tools.MustNew(tools.Spec[struct{}]{
			Name:        "list_metric_alerts",
			Description: "List the metric alerts defined on the server.",
			Handler: func(ctx context.Context, call tools.Call, _ struct{}) (any, error) {
				alerts, err := call.Session().Metrics().ListAlerts(ctx)
				if err != nil {
					return nil, fmt.Errorf("alerttools: list: %w", err)
				}
				if alerts == nil {
					alerts = []backend.MetricAlert{}
				}
				return listResult{Count: len(alerts), Alerts: alerts}, nil
			},
		}),
		tools.MustNew(tools.Spec[nameArgs]{
			Name:        "remove_metric_alert",
			Description: "Remove a metric alert by name.",
			Check:       func(a *nameArgs) error { return checkName(&a.Name) },
			Identify:    func(a nameArgs) [][2]string { return identify(a.Name) },
			Handler: func(ctx context.Context, call tools.Call, a nameArgs) (any, error) {
				if err := call.Session().Metrics().RemoveAlert(ctx, a.Name); err != nil {
					return nil, fmt.Errorf("alerttools: remove %q: %w", a.Name, err)
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
