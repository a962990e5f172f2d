package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestToolsCommand(t *testing.T) {
	t.Parallel()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"tools"})
	if err := root.Execute(); err != nil {
		t.Fatalf("tools: %v", err)
	}

	var docs []toolDoc
	if err := json.Unmarshal(out.Bytes(), &docs); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	byName := make(map[string]toolDoc, len(docs))
	for _, d := range docs {
		byName[d.Name] = d
	}
	add, ok := byName["add_principal"]
	if !ok {
		t.Fatal("add_principal not listed")
	}
	if add.InputSchema["type"] != "object" {
		t.Errorf("add_principal schema type = %v, want object", add.InputSchema["type"])
	}
	if _, ok := byName["connect"]; !ok {
		t.Error("connect not listed")
	}
}

func TestServeCommand_RejectsBadTransport(t *testing.T) {
	t.Parallel()
	root := newRootCommand()
	var errOut bytes.Buffer
	root.SetErr(&errOut)
	root.SetArgs([]string{"serve", "--transport", "carrier-pigeon"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "server.transport") {
		t.Errorf("serve err = %v, want a transport validation error", err)
	}
}
