package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlugin(t *testing.T, dir, name, code string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(code), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
}

func TestLoadDirMissingOrEmptyIsNil(t *testing.T) {
	chain, err := LoadDir("/nonexistent/plugins")
	if err != nil || chain != nil {
		t.Fatalf("missing dir: chain=%v err=%v", chain, err)
	}
	chain, err = LoadDir(t.TempDir())
	if err != nil || chain != nil {
		t.Fatalf("empty dir: chain=%v err=%v", chain, err)
	}
	chain, err = LoadDir("")
	if err != nil || chain != nil {
		t.Fatalf("blank dir: chain=%v err=%v", chain, err)
	}
}

func TestChainAppliesPluginsInPathOrder(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "10_trim.go", `package formatter

import "strings"

func FormatFeedback(feedback string) (string, error) {
	return strings.TrimSpace(feedback), nil
}
`)
	writePlugin(t, dir, "20_header.go", `package formatter

func FormatFeedback(feedback string) string {
	return "Feedback:\n" + feedback
}
`)

	chain, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(chain.Paths()) != 2 {
		t.Fatalf("loaded %d plugins, want 2", len(chain.Paths()))
	}
	out, err := chain.FormatFeedback("  solid answer  ")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if out != "Feedback:\nsolid answer" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestChainSurfacesPluginError(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "fail.go", `package formatter

import "errors"

func FormatFeedback(feedback string) (string, error) {
	return "", errors.New("formatter on strike")
}
`)

	chain, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := chain.FormatFeedback("anything"); err == nil || !strings.Contains(err.Error(), "formatter on strike") {
		t.Fatalf("expected plugin error, got %v", err)
	}
}

func TestLoadDirRejectsWrongSignature(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "bad.go", `package formatter

func FormatFeedback(a, b string) string {
	return a + b
}
`)
	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("wrong signature accepted")
	}
}

func TestLoadDirRejectsMissingFunction(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "none.go", `package formatter

func SomethingElse() string { return "" }
`)
	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("plugin without FormatFeedback accepted")
	}
}
