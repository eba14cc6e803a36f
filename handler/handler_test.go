// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/creachadair/extmod"
	"github.com/creachadair/extmod/enginetest"
	"github.com/creachadair/extmod/handler"
	"github.com/creachadair/extmod/param"
	"github.com/fortytw2/leaktest"
)

type tvText string

func (v tvText) MarshalText() ([]byte, error)     { return []byte(v), nil }
func (v *tvText) UnmarshalText(data []byte) error { *v = tvText(data); return nil }

type tvNumber int

func (v *tvNumber) UnmarshalText(data []byte) error {
	n, err := strconv.Atoi(string(data))
	*v = tvNumber(n)
	return err
}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()

	d := enginetest.NewDialer()
	c, err := extmod.New(extmod.Options{Dial: d.Dial})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	c.Detach().Connect(0)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	e, err := d.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer e.Close()

	var seq int
	check := func(t *testing.T, want, processed string, h extmod.Handler) {
		t.Helper()
		seq++
		name := "test." + strconv.Itoa(seq)
		if err := c.Subscribe(name, "", h); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		id := "id" + strconv.Itoa(seq)
		if err := e.Send("%%>message:" + id + ":1700000000:" + name + ":input:k=v"); err != nil {
			t.Fatalf("Send: %v", err)
		}
		line, err := e.NextTag(ctx, "%%<message")
		if err != nil {
			t.Fatalf("NextTag: %v", err)
		}
		wantLine := "%%<message:" + id + ":" + processed + ":" + name + ":" + want + ":k=v"
		if line != wantLine {
			t.Errorf("Ack: got %q, want %q", line, wantLine)
		}
	}
	checkMsg := func(t *testing.T, ctx context.Context) {
		t.Helper()
		if handler.ContextMessage(ctx) == nil {
			t.Error("Context does not contain message")
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "true", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkMsg(t, ctx)
					return s + "-ok", nil
				},
			))
		})
		t.Run("ObjectByte", func(t *testing.T) {
			check(t, "v-ok", "true", handler.ParamResultError(
				func(ctx context.Context, p param.Object) ([]byte, error) {
					checkMsg(t, ctx)
					return []byte(p["k"].Str() + "-ok"), nil
				},
			))
		})
		t.Run("MapText", func(t *testing.T) {
			check(t, "v-ok", "true", handler.ParamResultError(
				func(ctx context.Context, m map[string]string) (tvText, error) {
					checkMsg(t, ctx)
					return tvText(m["k"] + "-ok"), nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "input", "false", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkMsg(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
		t.Run("BadParam", func(t *testing.T) {
			// The return value "input" is not a number.
			check(t, "input", "false", handler.ParamResultError(
				func(ctx context.Context, n tvNumber) (string, error) { return "unreachable", nil },
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		t.Run("TextString", func(t *testing.T) {
			check(t, "input-ok", "true", handler.ParamResult(
				func(ctx context.Context, s tvText) string { checkMsg(t, ctx); return string(s) + "-ok" },
			))
		})
		t.Run("StringPointer", func(t *testing.T) {
			check(t, "", "true", handler.ParamResult(
				func(ctx context.Context, s string) *string { checkMsg(t, ctx); return nil },
			))
		})
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("OK", func(t *testing.T) {
			check(t, "input", "true", handler.ParamError(
				func(ctx context.Context, s string) error { checkMsg(t, ctx); return nil },
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, "input", "false", handler.ParamError(
				func(ctx context.Context, s string) error { checkMsg(t, ctx); return errors.New("no") },
			))
		})
	})

	t.Run("RE", func(t *testing.T) {
		t.Run("String", func(t *testing.T) {
			check(t, "please", "true", handler.ResultError(
				func(ctx context.Context) (string, error) {
					checkMsg(t, ctx)
					return "please", nil
				},
			))
		})
		t.Run("Byte", func(t *testing.T) {
			check(t, "clap", "true", handler.ResultError(
				func(ctx context.Context) ([]byte, error) {
					checkMsg(t, ctx)
					return []byte("clap"), nil
				},
			))
		})
	})

	t.Run("RO", func(t *testing.T) {
		t.Run("Text", func(t *testing.T) {
			check(t, "more", "true", handler.ResultOnly(
				func(ctx context.Context) tvText { checkMsg(t, ctx); return "more" },
			))
		})
		t.Run("Unmarshalable", func(t *testing.T) {
			check(t, "input", "false", handler.ResultOnly(
				func(ctx context.Context) int { return 5 },
			))
		})
	})
}
