// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package extmod

import (
	"fmt"
	"strconv"
	"strings"
)

// A valueType is the type of a local parameter value.
type valueType byte

const (
	typeString valueType = iota + 1
	typeBool
	typeNumber
)

func (t valueType) String() string {
	switch t {
	case typeString:
		return "string"
	case typeBool:
		return "bool"
	case typeNumber:
		return "number"
	}
	return "unknown"
}

// localParams are the connection-local parameters understood by the engine.
var localParams = map[string]valueType{
	"id":           typeString,
	"disconnected": typeBool,
	"trackparam":   typeString,
	"reason":       typeString,
	"timeout":      typeNumber,
	"timebomb":     typeBool,
	"bufsize":      typeNumber,
	"setdata":      typeBool,
	"reenter":      typeBool,
	"selfwatch":    typeBool,
	"restart":      typeBool,
}

// engineParams are the read-only engine values that may be queried with the
// "engine." prefix.
var engineParams = map[string]bool{
	"version":    true,
	"release":    true,
	"nodename":   true,
	"runid":      true,
	"configname": true,
	"sharedpath": true,
	"configpath": true,
	"cfgsuffix":  true,
	"modulepath": true,
	"modsuffix":  true,
	"logfile":    true,
	"clientmode": true,
	"supervised": true,
	"maxworkers": true,
}

// CheckLocal validates a local parameter assignment and returns the value
// as it is written on the wire.
//
// A nil value or an empty string is a query, and is accepted for any known
// parameter. Queries of engine values ("engine.version") and configuration
// ("config.section.key") accept only queries; any value supplied for them is
// discarded.
//
// String parameters accept a string; Boolean parameters accept a bool;
// numeric parameters accept any Go integer or floating-point value. A string
// holding a valid Boolean or number is also accepted for those types.
func CheckLocal(name string, value any) (string, error) {
	if rest, ok := strings.CutPrefix(name, "engine."); ok {
		if !engineParams[rest] {
			return "", fmt.Errorf("%w: %q", ErrUnknownParameter, name)
		}
		return "", nil
	} else if strings.HasPrefix(name, "config.") {
		return "", nil
	}

	vt, ok := localParams[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	if value == nil {
		return "", nil
	}
	if s, ok := value.(string); ok && s == "" {
		return "", nil
	}
	wrongType := func() error {
		return fmt.Errorf("%w: %q wants %v, got %T", ErrParameterType, name, vt, value)
	}

	switch vt {
	case typeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case typeBool:
		switch v := value.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return strconv.FormatBool(b), nil
			}
		}
	case typeNumber:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int32:
			return strconv.FormatInt(int64(v), 10), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case uint:
			return strconv.FormatUint(uint64(v), 10), nil
		case uint32:
			return strconv.FormatUint(uint64(v), 10), nil
		case uint64:
			return strconv.FormatUint(v, 10), nil
		case float32:
			return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case string:
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				return v, nil
			}
		}
	}
	return "", wrongType()
}
