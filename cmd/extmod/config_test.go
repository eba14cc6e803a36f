package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/param"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	want := &fileConfig{
		Addr:             "127.0.0.1:5039",
		Role:             "global",
		ReconnectTimeout: "2s",
		NoDecorate:       true,
		Parameters:       map[string]any{"timeout": 1000, "reenter": true, "id": "cli"},
	}
	// TOML integers decode as int64, YAML integers as int.
	opt := cmpopts.AcyclicTransformer("num", func(m map[string]any) map[string]any {
		out := make(map[string]any, len(m))
		for k, v := range m {
			if n, ok := v.(int64); ok {
				v = int(n)
			}
			out[k] = v
		}
		return out
	})

	t.Run("TOML", func(t *testing.T) {
		path := writeFile(t, "extmod.toml", `
addr = "127.0.0.1:5039"
role = "global"
reconnect_timeout = "2s"
no_decorate = true

[parameters]
timeout = 1000
reenter = true
id = "cli"
`)
		got, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig: unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got, opt); diff != "" {
			t.Errorf("Config (-want, +got):\n%s", diff)
		}
	})

	t.Run("YAML", func(t *testing.T) {
		path := writeFile(t, "extmod.yaml", `
addr: 127.0.0.1:5039
role: global
reconnect_timeout: 2s
no_decorate: true
parameters:
  timeout: 1000
  reenter: true
  id: cli
`)
		got, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig: unexpected error: %v", err)
		}
		if diff := cmp.Diff(want, got, opt); diff != "" {
			t.Errorf("Config (-want, +got):\n%s", diff)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		for _, path := range []string{
			filepath.Join(t.TempDir(), "missing.toml"),
			writeFile(t, "extmod.json", `{}`),
			writeFile(t, "bad.toml", `addr = [`),
			writeFile(t, "bad.yml", "addr: [\n"),
		} {
			if cfg, err := loadConfig(path); err == nil {
				t.Errorf("loadConfig(%q): got %+v, want error", path, cfg)
			}
		}
	})
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name string
		cfg  fileConfig
		want extmod.Options
	}{
		{"Pipe", fileConfig{}, extmod.Options{}},
		{"Dash", fileConfig{Addr: "-"}, extmod.Options{}},
		{"TCP", fileConfig{Addr: "localhost:5039", Role: "global"},
			extmod.Options{Host: "localhost", Port: 5039, Role: "global"}},
		{"NoHost", fileConfig{Addr: ":5040"}, extmod.Options{Port: 5040}},
		{"Unix", fileConfig{Addr: "/run/engine/ext.sock"},
			extmod.Options{Path: "/run/engine/ext.sock"}},
		{"Timeouts", fileConfig{Addr: ":1", ReconnectTimeout: "250ms", CallTimeout: "3s"},
			extmod.Options{Port: 1, ReconnectTimeout: 250 * time.Millisecond, CallTimeout: 3 * time.Second}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cfg.options()
			if err != nil {
				t.Fatalf("options: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.IgnoreFields(extmod.Options{}, "Dial", "Pipe", "Logger")); diff != "" {
				t.Errorf("Options (-want, +got):\n%s", diff)
			}
		})
	}

	for _, cfg := range []fileConfig{
		{Addr: ":5039", ReconnectTimeout: "soon"},
		{Addr: ":5039", CallTimeout: "10"},
	} {
		if opts, err := cfg.options(); err == nil {
			t.Errorf("options(%+v): got %+v, want error", cfg, opts)
		}
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"callto=sip/1", "a.b=x", "a=top", "empty="}, false)
	if err != nil {
		t.Fatalf("parseParams: unexpected error: %v", err)
	}
	want := param.Object{
		"callto": param.String("sip/1"),
		"a":      param.Obj(param.Object{"value": param.String("top"), "b": param.String("x")}),
		"empty":  param.String(""),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Params (-want, +got):\n%s", diff)
	}

	flat, err := parseParams([]string{"a.b=x"}, true)
	if err != nil {
		t.Fatalf("parseParams: unexpected error: %v", err)
	}
	if v, ok := flat["a.b"]; !ok || v.Str() != "x" {
		t.Errorf("Flat params: got %v, want a.b=x", flat)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if p, err := parseParams([]string{bad}, false); err == nil {
			t.Errorf("parseParams(%q): got %v, want error", bad, p)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Setenv(envLogLevel, "debug")
	var buf bytes.Buffer
	log := newLogger(&buf)
	log.Debug().Str("name", "test.msg").Msg("hello")
	if got := buf.String(); !strings.Contains(got, "hello") || !strings.Contains(got, "test.msg") {
		t.Errorf("Log output: got %q, want message and field", got)
	}

	t.Setenv(envLogLevel, "")
	buf.Reset()
	log = newLogger(&buf)
	log.Info().Msg("quiet")
	if got := buf.String(); got != "" {
		t.Errorf("Log output at default level: got %q, want empty", got)
	}
}
