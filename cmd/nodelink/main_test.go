package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/risa-org/nodelink/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodelink.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node-a
  listen: 127.0.0.1:7400
peers:
  - id: node-b
    address: 127.0.0.1:7401
`)
	var out bytes.Buffer
	a := app()
	a.Writer = &out

	if err := a.Run([]string{"nodelink", "--config", path, "config", "check"}); err != nil {
		t.Fatalf("config check failed: %v", err)
	}
	for _, want := range []string{"node-a", "peer       node-b at 127.0.0.1:7401", "configuration OK"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output is missing %q:\n%s", want, out.String())
		}
	}
}

func TestConfigCheckReportsProblems(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: smoke\n")
	a := app()
	a.Writer = &bytes.Buffer{}

	err := a.Run([]string{"nodelink", "--config", path, "config", "check"})
	if err == nil {
		t.Fatal("expected an invalid configuration")
	}
	if !strings.Contains(err.Error(), "node.id") || !strings.Contains(err.Error(), "transport.kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNodeStartsAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "node-a"
	cfg.Node.Listen = "127.0.0.1:0"
	cfg.Peers = []config.Peer{{ID: "node-b", Address: "127.0.0.1:1"}}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n, err := start(ctx, cfg, "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if got := n.peers(); len(got) != 1 || got[0] != "node-b" {
		t.Errorf("peers = %v", got)
	}

	next := cfg
	next.Peers = []config.Peer{{ID: "node-b", Address: "127.0.0.1:2"}}
	next.Reconnect.Attempts = 2
	n.reload(next)
	if addr, _ := n.book.Address("node-b"); addr != "127.0.0.1:2" {
		t.Errorf("reload did not update the address book: %q", addr)
	}
	if n.mgr.Policy().MaxAttempts() != 2 {
		t.Errorf("reload did not update the policy")
	}

	if err := n.shutdown(); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
