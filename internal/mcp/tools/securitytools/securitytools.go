// Package securitytools provides the tools that manage principals in the
// server's system authentication store.
package securitytools

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
)

type addArgs struct {
	PrincipalName string   `json:"principalName" jsonschema:"description=Name of the new principal"`
	Password      string   `json:"password" jsonschema:"description=Initial password"`
	Roles         []string `json:"roles,omitempty" jsonschema:"description=Roles to assign"`
}

type principalArgs struct {
	PrincipalName string `json:"principalName" jsonschema:"description=Name of an existing principal"`
}

type assignArgs struct {
	PrincipalName string   `json:"principalName" jsonschema:"description=Name of an existing principal"`
	Roles         []string `json:"roles" jsonschema:"description=Complete set of roles the principal should have"`
}

type listResult struct {
	Count      int                 `json:"count"`
	Principals []backend.Principal `json:"principals"`
}

func identify(name string) [][2]string { return [][2]string{{"principalName", name}} }

// Tools returns the principal management tools.
func Tools() []*tools.Tool {
	return []*tools.Tool{
		tools.MustNew(tools.Spec[struct{}]{
			Name:        "list_principals",
			Description: "List the principals in the system authentication store with their roles.",
			Handler: func(ctx context.Context, call tools.Call, _ struct{}) (any, error) {
				ps, err := call.Session().Security().ListPrincipals(ctx)
				if err != nil {
					return nil, fmt.Errorf("securitytools: list principals: %w", err)
				}
				if ps == nil {
					ps = []backend.Principal{}
				}
				return listResult{Count: len(ps), Principals: ps}, nil
			},
		}),
		tools.MustNew(tools.Spec[addArgs]{
			Name:        "add_principal",
			Description: "Add a principal to the system authentication store.",
			Check: func(a *addArgs) error {
				if err := checkName(&a.PrincipalName); err != nil {
					return err
				}
				if a.Password == "" {
					return fmt.Errorf("password must not be empty")
				}
				var err error
				a.Roles, err = normaliseRoles(a.Roles)
				return err
			},
			Identify: func(a addArgs) [][2]string { return identify(a.PrincipalName) },
			Handler: func(ctx context.Context, call tools.Call, a addArgs) (any, error) {
				if err := call.Session().Security().AddPrincipal(ctx, a.PrincipalName, a.Password, a.Roles); err != nil {
					return nil, fmt.Errorf("securitytools: add principal %q: %w", a.PrincipalName, err)
				}
				return backend.Principal{Name: a.PrincipalName, Roles: a.Roles}, nil
			},
		}),
		tools.MustNew(tools.Spec[principalArgs]{
			Name:        "remove_principal",
			Description: "Remove a principal from the system authentication store.",
			Check:       func(a *principalArgs) error { return checkName(&a.PrincipalName) },
			Identify:    func(a principalArgs) [][2]string { return identify(a.PrincipalName) },
			Handler: func(ctx context.Context, call tools.Call, a principalArgs) (any, error) {
				if err := call.Session().Security().RemovePrincipal(ctx, a.PrincipalName); err != nil {
					return nil, fmt.Errorf("securitytools: remove principal %q: %w", a.PrincipalName, err)
				}
				return map[string]any{"principalName": a.PrincipalName, "removed": true}, nil
			},
		}),
		tools.MustNew(tools.Spec[assignArgs]{
			Name:        "assign_roles",
			Description: "Replace the roles assigned to a principal.",
			Check: func(a *assignArgs) error {
				if err := checkName(&a.PrincipalName); err != nil {
					return err
				}
				var err error
				a.Roles, err = normaliseRoles(a.Roles)
				return err
			},
			Identify: func(a assignArgs) [][2]string { return identify(a.PrincipalName) },
			Handler: func(ctx context.Context, call tools.Call, a assignArgs) (any, error) {
				if err := call.Session().Security().AssignRoles(ctx, a.PrincipalName, a.Roles); err != nil {
					return nil, fmt.Errorf("securitytools: assign roles to %q: %w", a.PrincipalName, err)
				}
				return backend.Principal{Name: a.PrincipalName, Roles: a.Roles}, nil
			},
		}),
	}
}

func checkName(s *string) error {
	*s = strings.TrimSpace(*s)
	if *s == "" {
		return fmt.Errorf("principalName must not be empty")
	}
	return nil
}

// normaliseRoles trims, de-duplicates and sorts roles. A blank role is an
// error; a nil slice becomes empty.
func normaliseRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, fmt.Errorf("roles must not contain blank entries")
		}
		out = append(out, r)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
