// Package topictools provides the tools that read and modify the Diffusion
// topic tree.
//
// Four tools are exported via [Tools]:
//   - "fetch_topics"  lists topics matching a selector, optionally with values.
//   - "add_topic"     creates a topic, optionally with an initial value.
//   - "remove_topics" removes every topic matching a selector.
//   - "update_topic"  publishes a new value to an existing topic.
package topictools

import (
	"context"
	"fmt"
	"strings"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/backend"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/tools"
)

// defaultFetchLimit applies when fetch_topics is called without a limit.
const defaultFetchLimit = 100

type fetchArgs struct {
	Selector   string `json:"selector" jsonschema:"description=Topic selector such as ?sensors// or >sensors/temperature"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000,description=Maximum number of topics to return (default 100)"`
	WithValues bool   `json:"with_values,omitempty" jsonschema:"description=Include current topic values"`
}

type fetchResult struct {
	Selector  string          `json:"selector"`
	Count     int             `json:"count"`
	Truncated bool            `json:"truncated"`
	Topics    []backend.Topic `json:"topics"`
}

type addArgs struct {
	Path         string `json:"path" jsonschema:"description=Topic path such as sensors/temperature"`
	Type         string `json:"type" jsonschema:"enum=string,enum=json,enum=int64,enum=double,enum=binary,enum=time_series,enum=recordv2,description=Topic data type"`
	InitialValue any    `json:"initial_value,omitempty" jsonschema:"description=Optional initial value matching the topic type"`
}

type addResult struct {
	Path   string            `json:"path"`
	Type   backend.TopicType `json:"type"`
	Result backend.AddResult `json:"result"`
}

type removeArgs struct {
	Selector string `json:"selector" jsonschema:"description=Topic selector for the topics to remove such as ?sensors//"`
}

type removeResult struct {
	Selector string `json:"selector"`
	Removed  int    `json:"removed"`
}

type updateArgs struct {
	Path  string `json:"path" jsonschema:"description=Path of an existing topic"`
	Type  string `json:"type" jsonschema:"enum=string,enum=json,enum=int64,enum=double,enum=binary,enum=time_series,enum=recordv2,description=Topic data type"`
	Value any    `json:"value" jsonschema:"description=New value matching the topic type"`
}

type updateResult struct {
	Path    string            `json:"path"`
	Type    backend.TopicType `json:"type"`
	Updated bool              `json:"updated"`
}

// Tools returns the topic tools.
func Tools() []*tools.Tool {
	return []*tools.Tool{
		tools.MustNew(tools.Spec[fetchArgs]{
			Name:        "fetch_topics",
			Description: "List the topics matching a topic selector, optionally including their current values.",
			Check: func(a *fetchArgs) error {
				if err := checkSelector(&a.Selector); err != nil {
					return err
				}
				if a.Limit == 0 {
					a.Limit = defaultFetchLimit
				}
				return nil
			},
			Identify: func(a fetchArgs) [][2]string { return [][2]string{{"selector", a.Selector}} },
			Handler:  fetch,
		}),
		tools.MustNew(tools.Spec[addArgs]{
			Name:        "add_topic",
			Description: "Create a topic of the given type. Adding a topic that already exists with the same type succeeds.",
			Check: func(a *addArgs) error {
				if err := checkPath(&a.Path); err != nil {
					return err
				}
				if err := checkType(&a.Type); err != nil {
					return err
				}
				if a.InitialValue == nil {
					return nil
				}
				_, err := EncodeValue(backend.TopicType(a.Type), a.InitialValue)
				return err
			},
			Identify: func(a addArgs) [][2]string { return [][2]string{{"path", a.Path}, {"type", a.Type}} },
			Handler:  add,
		}),
		tools.MustNew(tools.Spec[removeArgs]{
			Name:        "remove_topics",
			Description: "Remove every topic matching a topic selector.",
			Check:       func(a *removeArgs) error { return checkSelector(&a.Selector) },
			Identify:    func(a removeArgs) [][2]string { return [][2]string{{"selector", a.Selector}} },
			Handler:     remove,
		}),
		tools.MustNew(tools.Spec[updateArgs]{
			Name:        "update_topic",
			Description: "Set the value of an existing topic.",
			Check: func(a *updateArgs) error {
				if err := checkPath(&a.Path); err != nil {
					return err
				}
				if err := checkType(&a.Type); err != nil {
					return err
				}
				_, err := EncodeValue(backend.TopicType(a.Type), a.Value)
				return err
			},
			Identify: func(a updateArgs) [][2]string { return [][2]string{{"path", a.Path}, {"type", a.Type}} },
			Handler:  update,
		}),
	}
}

func fetch(ctx context.Context, call tools.Call, a fetchArgs) (any, error) {
	// One extra row tells us whether the result was cut short.
	topics, err := call.Session().Topics().Fetch(ctx, backend.FetchRequest{
		Selector:   a.Selector,
		Limit:      a.Limit + 1,
		WithValues: a.WithValues,
	})
	if err != nil {
		return nil, fmt.Errorf("topictools: fetch %q: %w", a.Selector, err)
	}
	truncated := len(topics) > a.Limit
	if truncated {
		topics = topics[:a.Limit]
	}
	if topics == nil {
		topics = []backend.Topic{}
	}
	return fetchResult{Selector: a.Selector, Count: len(topics), Truncated: truncated, Topics: topics}, nil
}

func add(ctx context.Context, call tools.Call, a addArgs) (any, error) {
	t := backend.TopicType(a.Type)
	var initial []byte
	if a.InitialValue != nil {
		v, err := EncodeValue(t, a.InitialValue)
		if err != nil {
			return nil, err
		}
		initial = v
	}
	res, err := call.Session().Topics().Add(ctx, a.Path, t, initial)
	if err != nil {
		return nil, fmt.Errorf("topictools: add %q: %w", a.Path, err)
	}
	return addResult{Path: a.Path, Type: t, Result: res}, nil
}

func remove(ctx context.Context, call tools.Call, a removeArgs) (any, error) {
	n, err := call.Session().Topics().Remove(ctx, a.Selector)
	if err != nil {
		return nil, fmt.Errorf("topictools: remove %q: %w", a.Selector, err)
	}
	return removeResult{Selector: a.Selector, Removed: n}, nil
}

func update(ctx context.Context, call tools.Call, a updateArgs) (any, error) {
	t := backend.TopicType(a.Type)
	v, err := EncodeValue(t, a.Value)
	if err != nil {
		return nil, err
	}
	if err := call.Session().Topics().Set(ctx, a.Path, t, v); err != nil {
		return nil, fmt.Errorf("topictools: update %q: %w", a.Path, err)
	}
	return updateResult{Path: a.Path, Type: t, Updated: true}, nil
}

// checkPath normalises a topic path in place. Paths have no leading or
// trailing slash and no empty segments.
func checkPath(p *string) error {
	s := strings.Trim(strings.TrimSpace(*p), "/")
	if s == "" {
		return fmt.Errorf("path must not be empty")
	}
	if strings.Contains(s, "//") {
		return fmt.Errorf("path %q contains an empty segment", s)
	}
	*p = s
	return nil
}

func checkSelector(s *string) error {
	*s = strings.TrimSpace(*s)
	if *s == "" {
		return fmt.Errorf("selector must not be empty")
	}
	return nil
}

// checkType canonicalises a topic type name in place.
func checkType(s *string) error {
	t, ok := backend.ParseTopicType(*s)
	if !ok {
		msg := fmt.Sprintf("type %q is not one of %s", *s, strings.Join(backend.TopicTypeNames(), ", "))
		if hint := tools.Suggest(*s, backend.TopicTypeNames()); hint != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", hint)
		}
		return fmt.Errorf("%s", msg)
	}
	*s = string(t)
	return nil
}
