package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/meshtrain/internal/version"
)

func testVersionInfo() version.Info {
	return version.Info{
		Version:   "v0.2.0",
		Commit:    "0123456789abcdef",
		Modified:  true,
		GoVersion: "go1.26.0",
		Platform:  "linux/amd64",
		CPUs:      8,
		Deps:      map[string]string{"github.com/labstack/echo/v5": "v5.0.4"},
	}
}

func TestPrintVersionText(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := printVersion(&buf, testVersionInfo(), "/etc/meshtrain.yaml", false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"v0.2.0", "0123456789abcdef (modified)", "linux/amd64", "cpus:", "/etc/meshtrain.yaml", "github.com/labstack/echo/v5", "v5.0.4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "build time") {
		t.Fatalf("empty build time should be omitted:\n%s", out)
	}
}

func TestPrintVersionJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := printVersion(&buf, testVersionInfo(), "cfg.yaml", true); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Version  string            `json:"version"`
		Platform string            `json:"platform"`
		CPUs     int               `json:"cpus"`
		Config   string            `json:"config"`
		Deps     map[string]string `json:"deps"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode %s: %v", buf.String(), err)
	}
	if got.Version != "v0.2.0" || got.Platform != "linux/amd64" || got.CPUs != 8 || got.Config != "cfg.yaml" || got.Deps["github.com/labstack/echo/v5"] != "v5.0.4" {
		t.Fatalf("unexpected json: %+v", got)
	}
}
