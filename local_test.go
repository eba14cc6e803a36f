// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package extmod_test

import (
	"errors"
	"testing"

	"github.com/creachadair/extmod"
)

func TestCheckLocal(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
		err   error
	}{
		{"id", "module-1", "module-1", nil},
		{"id", nil, "", nil},
		{"id", 5, "", extmod.ErrParameterType},
		{"trackparam", "", "", nil},
		{"timeout", 1000, "1000", nil},
		{"timeout", int64(-3), "-3", nil},
		{"timeout", uint32(7), "7", nil},
		{"timeout", 2.5, "2.5", nil},
		{"timeout", "250", "250", nil},
		{"timeout", "soon", "", extmod.ErrParameterType},
		{"timeout", false, "", extmod.ErrParameterType},
		{"selfwatch", true, "true", nil},
		{"restart", "false", "false", nil},
		{"reenter", "maybe", "", extmod.ErrParameterType},
		{"setdata", 1, "", extmod.ErrParameterType},
		{"engine.version", nil, "", nil},
		{"engine.version", "ignored", "", nil},
		{"engine.bogus", nil, "", extmod.ErrUnknownParameter},
		{"config.general.modpath", nil, "", nil},
		{"bogus", "x", "", extmod.ErrUnknownParameter},
		{"", "x", "", extmod.ErrUnknownParameter},
	}
	for _, tc := range tests {
		got, err := extmod.CheckLocal(tc.name, tc.value)
		if !errors.Is(err, tc.err) {
			t.Errorf("CheckLocal(%q, %v): got error %v, want %v", tc.name, tc.value, err, tc.err)
		}
		if got != tc.want {
			t.Errorf("CheckLocal(%q, %v): got %q, want %q", tc.name, tc.value, got, tc.want)
		}
	}
}
