// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package extmod

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/creachadair/extmod/param"
	"github.com/creachadair/extmod/wire"
	"github.com/creachadair/mds/mapset"
)

// Verb tags of the protocol lines.
const (
	tagMessageIn   = "%%>message"
	tagMessageOut  = "%%<message"
	tagInstall     = "%%>install"
	tagInstalled   = "%%<install"
	tagUninstall   = "%%>uninstall"
	tagUninstalled = "%%<uninstall"
	tagWatch       = "%%>watch"
	tagWatched     = "%%<watch"
	tagUnwatch     = "%%>unwatch"
	tagUnwatched   = "%%<unwatch"
	tagSetLocal    = "%%>setlocal"
	tagLocalSet    = "%%<setlocal"
	tagOutput      = "%%>output"
	tagConnect     = "%%>connect"

	// The engine reports a line it could not parse with this prefix.
	enginePrefixError = "Error in:"
)

// Kind identifies the role of a Message.
type Kind byte

const (
	KindOutgoing     Kind = iota + 1 // created by Dispatch, not yet written
	KindEnqueued                     // dispatch written to the engine
	KindIncoming                     // engine offers a message for handling
	KindAcknowledged                 // acknowledgment written for an incoming message
	KindAnswer                       // engine reply to a dispatch
	KindNotification                 // a watched message was finalized
	KindInstall                      // subscription confirmation
	KindUninstall                    // unsubscription confirmation
	KindWatch                        // watch confirmation
	KindUnwatch                      // unwatch confirmation
	KindSetLocal                     // parameter set/query result
)

var kindNames = [...]string{
	KindOutgoing:     "outgoing",
	KindEnqueued:     "enqueued",
	KindIncoming:     "incoming",
	KindAcknowledged: "acknowledged",
	KindAnswer:       "answer",
	KindNotification: "notification",
	KindInstall:      "install",
	KindUninstall:    "uninstall",
	KindWatch:        "watch",
	KindUnwatch:      "unwatch",
	KindSetLocal:     "setlocal",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind %d", byte(k))
}

// A Message is a single protocol exchange with the engine.
//
// Depending on its Kind, some fields are unused: confirmations carry only
// Name, Success, and (for subscriptions) Priority; SetLocal results carry the
// parameter value in Retval.
type Message struct {
	ID        string
	Kind      Kind
	Name      string
	Origin    time.Time // creation time, with one-second resolution
	Retval    string
	Processed bool
	Success   bool
	Priority  string
	Params    param.Object
}

// reservedKeys are parameter names that would collide with the fields of a
// message in other implementations of the protocol. They are dropped on
// decode so that messages relayed between implementations agree.
var reservedKeys = mapset.New(
	"_id", "_type", "_name", "_time", "_origin", "_retval", "_processed", "_handled",
)

var idSeq atomic.Uint64

func init() { idSeq.Store(uint64(time.Now().UnixNano() % 1e6)) }

// newID returns a fresh message ID combining the wall clock seconds with a
// process-wide counter.
func newID(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10) + "." + strconv.FormatUint(idSeq.Add(1), 10)
}

// NewMessage constructs an outgoing message with a fresh ID.
func NewMessage(name string, params param.Object) *Message {
	now := time.Now()
	return &Message{
		ID:     newID(now),
		Kind:   KindOutgoing,
		Name:   name,
		Origin: now.Truncate(time.Second),
		Params: params,
	}
}

// Encode renders m as a protocol line. Outgoing and enqueued messages encode
// as dispatches; incoming and acknowledged messages encode as
// acknowledgments. If flat is false, structured parameters are flattened into
// dotted keys; otherwise each parameter is written under its own key as-is.
func (m *Message) Encode(flat bool) (string, error) {
	var sb strings.Builder
	switch m.Kind {
	case KindOutgoing, KindEnqueued:
		sb.WriteString(wire.Join(tagMessageIn, m.ID, strconv.FormatInt(m.Origin.Unix(), 10), m.Name, m.Retval))
	case KindIncoming, KindAcknowledged:
		sb.WriteString(wire.Join(tagMessageOut, m.ID, strconv.FormatBool(m.Processed), m.Name, m.Retval))
	default:
		return "", fmt.Errorf("cannot encode %v message", m.Kind)
	}
	var fields map[string]string
	if flat {
		fields = make(map[string]string, len(m.Params))
		for k, v := range m.Params {
			fields[k] = v.String()
		}
	} else {
		fields = param.Flatten(m.Params)
	}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		sb.WriteByte(':')
		sb.WriteString(wire.Pair(k, fields[k]))
	}
	return sb.String(), nil
}

// ParseMessage decodes a protocol line received from the engine. If flat is
// false, message parameters are nested with param.Nest; otherwise each is
// kept as a string under its full key.
//
// An unrecognized line, or an engine report of a parse failure, is reported
// as a *DecodeError.
func ParseMessage(line string, flat bool) (*Message, error) {
	if strings.HasPrefix(line, enginePrefixError) {
		return nil, &DecodeError{Line: line, Err: ErrEngineParse}
	}
	tag, fields := wire.Fields(line)
	need := func(n int) error {
		if len(fields) < n {
			return &DecodeError{Line: line, Err: fmt.Errorf("%s: got %d fields, want %d", tag, len(fields), n)}
		}
		return nil
	}
	field := func(i int) string { return wire.Unescape(fields[i]) }

	m := new(Message)
	switch tag {
	case tagMessageIn:
		if err := need(4); err != nil {
			return nil, err
		}
		m.Kind = KindIncoming
		m.ID = field(0)
		if secs, err := strconv.ParseInt(field(1), 10, 64); err == nil {
			m.Origin = time.Unix(secs, 0)
		}
		m.Name = field(2)
		m.Retval = field(3)

	case tagMessageOut:
		if err := need(4); err != nil {
			return nil, err
		}
		m.ID = field(0)
		m.Kind = KindAnswer
		if m.ID == "" {
			m.Kind = KindNotification
		}
		m.Processed = field(1) == "true"
		m.Name = field(2)
		m.Retval = field(3)

	case tagInstalled, tagUninstalled:
		if err := need(3); err != nil {
			return nil, err
		}
		m.Kind = KindInstall
		if tag == tagUninstalled {
			m.Kind = KindUninstall
		}
		m.Priority = field(0)
		m.Name = field(1)
		m.Success = field(2) == "true"
		return m, nil

	case tagWatched, tagUnwatched:
		if err := need(2); err != nil {
			return nil, err
		}
		m.Kind = KindWatch
		if tag == tagUnwatched {
			m.Kind = KindUnwatch
		}
		m.Name = field(0)
		m.Success = field(1) == "true"
		return m, nil

	case tagLocalSet:
		if err := need(3); err != nil {
			return nil, err
		}
		m.Kind = KindSetLocal
		m.Name = field(0)
		m.Retval = field(1)
		m.Success = field(2) == "true"
		return m, nil

	default:
		return nil, &DecodeError{Line: line, Err: ErrUnknownVerb}
	}

	// Reaching here, m is a message with parameters.
	flatParams := make(map[string]string)
	for _, raw := range fields[4:] {
		key, val, ok := wire.SplitPair(raw)
		if !ok || reservedKeys.Has(key) {
			continue
		}
		flatParams[key] = val
	}
	if flat {
		m.Params = param.FromStrings(flatParams)
	} else {
		m.Params = param.Nest(flatParams)
	}
	return m, nil
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%v, ID=%q, Name=%q, Retval=%q, Processed=%v, %d params)",
		m.Kind, m.ID, m.Name, m.Retval, m.Processed, len(m.Params))
}
