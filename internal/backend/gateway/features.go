package gateway

import (
	"context"
	"encoding/json"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
)

type topics struct{ s *session }

func (t topics) Fetch(ctx context.Context, req backend.FetchRequest) ([]backend.Topic, error) {
	var out struct {
		Topics []backend.Topic `json:"topics"`
	}
	if err := t.s.call(ctx, "topics.fetch", req, &out); err != nil {
		return nil, err
	}
	return out.Topics, nil
}

func (t topics) Add(ctx context.Context, path string, topicType backend.TopicType, initial json.RawMessage) (backend.AddResult, error) {
	params := struct {
		Path    string            `json:"path"`
		Type    backend.TopicType `json:"type"`
		Initial json.RawMessage   `json:"initial,omitempty"`
	}{path, topicType, initial}
	var out struct {
		Result backend.AddResult `json:"result"`
	}
	if err := t.s.call(ctx, "topics.add", params, &out); err != nil {
		return "", err
	}
	if out.Result == "" {
		out.Result = backend.AddCreated
	}
	return out.Result, nil
}

func (t topics) Remove(ctx context.Context, selector string) (int, error) {
	params := struct {
		Selector string `json:"selector"`
	}{selector}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := t.s.call(ctx, "topics.remove", params, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (t topics) Set(ctx context.Context, path string, topicType backend.TopicType, value json.RawMessage) error {
	params := struct {
		Path  string            `json:"path"`
		Type  backend.TopicType `json:"type"`
		Value json.RawMessage   `json:"value"`
	}{path, topicType, value}
	return t.s.call(ctx, "topics.set", params, nil)
}

type views struct{ s *session }

func (v views) Create(ctx context.Context, name, specification string) (backend.TopicView, error) {
	params := struct {
		Name          string `json:"name"`
		Specification string `json:"specification"`
	}{name, specification}
	var out backend.TopicView
	if err := v.s.call(ctx, "views.create", params, &out); err != nil {
		return backend.TopicView{}, err
	}
	if out.Name == "" {
		out = backend.TopicView{Name: name, Specification: specification}
	}
	return out, nil
}

func (v views) List(ctx context.Context) ([]backend.TopicView, error) {
	var out struct {
		Views []backend.TopicView `json:"views"`
	}
	if err := v.s.call(ctx, "views.list", nil, &out); err != nil {
		return nil, err
	}
	return out.Views, nil
}

func (v views) Remove(ctx context.Context, name string) error {
	params := struct {
		Name string `json:"name"`
	}{name}
	return v.s.call(ctx, "views.remove", params, nil)
}

type security struct{ s *session }

func (sc security) ListPrincipals(ctx context.Context) ([]backend.Principal, error) {
	var out struct {
		Principals []backend.Principal `json:"principals"`
	}
	if err := sc.s.call(ctx, "security.list_principals", nil, &out); err != nil {
		return nil, err
	}
	return out.Principals, nil
}

func (sc security) AddPrincipal(ctx context.Context, name, password string, roles []string) error {
	params := struct {
		Name     string   `json:"name"`
		Password string   `json:"password"`
		Roles    []string `json:"roles"`
	}{name, password, roles}
	return sc.s.call(ctx, "security.add_principal", params, nil)
}

func (sc security) RemovePrincipal(ctx context.Context, name string) error {
	params := struct {
		Name string `json:"name"`
	}{name}
	return sc.s.call(ctx, "security.remove_principal", params, nil)
}

func (sc security) AssignRoles(ctx context.Context, name string, roles []string) error {
	params := struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	}{name, roles}
	return sc.s.call(ctx, "security.assign_roles", params, nil)
}

type metrics struct{ s *session }

func (m metrics) SetAlert(ctx context.Context, name, specification string) error {
	params := struct {
		Name          string `json:"name"`
		Specification string `json:"specification"`
	}{name, specification}
	return m.s.call(ctx, "metrics.set_alert", params, nil)
}

func (m metrics) ListAlerts(ctx context.Context) ([]backend.MetricAlert, error) {
	var out struct {
		Alerts []backend.MetricAlert `json:"alerts"`
	}
	if err := m.s.call(ctx, "metrics.list_alerts", nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

func (m metrics) RemoveAlert(ctx context.Context, name string) error {
	params := struct {
		Name string `json:"name"`
	}{name}
	return m.s.call(ctx, "metrics.remove_alert", params, nil)
}

type clients struct{ s *session }

func (c clients) ListSessions(ctx context.Context, filter string) ([]backend.ClientSession, error) {
	params := struct {
		Filter string `json:"filter,omitempty"`
	}{filter}
	var out struct {
		Sessions []backend.ClientSession `json:"sessions"`
	}
	if err := c.s.call(ctx, "clients.list_sessions", params, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}
