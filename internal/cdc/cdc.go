// Package cdc parses Debezium-style change-data-capture envelopes
// into row mutations, the wire format CDC source actors read.
//
// A payload carries an op code (c, r, u, or d) plus before/after row
// images; which images are required depends on the op. Column lookup
// is case-insensitive.
package cdc

import (
	"encoding/json"
	"strings"

	"github.com/dreamware/streamctl/internal/metaerrors"
)

// Op is the mutation kind a Debezium envelope's "op" field names.
type Op string

const (
	OpCreate Op = "c"
	OpRead   Op = "r"
	OpUpdate Op = "u"
	OpDelete Op = "d"
)

// Mutation is one parsed row change: Before/After are the envelope's
// raw column maps (keyed case-insensitively), with nil meaning the
// envelope omitted or null'd that side.
type Mutation struct {
	Before map[string]any
	After  map[string]any
	Op     Op
}

type envelope struct {
	Payload *payload `json:"payload"`
}

type payload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
}

// Parse decodes one Debezium JSON envelope and validates the
// before/after row images against its declared op:
//   - update (u): both before and after are required
//   - create/read (c/r): after is required
//   - delete (d): before is required
//
// Column lookups on the returned maps must go through Get, which is
// case-insensitive.
func Parse(raw []byte) (Mutation, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Mutation{}, metaerrors.New(metaerrors.Protocol, "invalid debezium json: "+err.Error())
	}
	if env.Payload == nil {
		return Mutation{}, metaerrors.New(metaerrors.Protocol, "no payload in debezium event")
	}
	p := env.Payload
	if p.Op == "" {
		return Mutation{}, metaerrors.New(metaerrors.Protocol, "op field not found in debezium json")
	}

	switch Op(p.Op) {
	case OpUpdate:
		if isNullOrMissing(p.Before) {
			return Mutation{}, metaerrors.New(metaerrors.Protocol,
				"before is missing for updating event. If you are using postgres, you may want to try ALTER TABLE $TABLE_NAME REPLICA IDENTITY FULL;")
		}
		if isNullOrMissing(p.After) {
			return Mutation{}, metaerrors.New(metaerrors.Protocol, "after is missing for updating event")
		}
		return Mutation{Op: OpUpdate, Before: lowerKeys(p.Before), After: lowerKeys(p.After)}, nil

	case OpCreate, OpRead:
		if isNullOrMissing(p.After) {
			return Mutation{}, metaerrors.New(metaerrors.Protocol, "after is missing for creating event")
		}
		return Mutation{Op: Op(p.Op), After: lowerKeys(p.After)}, nil

	case OpDelete:
		if isNullOrMissing(p.Before) {
			return Mutation{}, metaerrors.New(metaerrors.Protocol, "before is missing for delete event")
		}
		return Mutation{Op: OpDelete, Before: lowerKeys(p.Before)}, nil

	default:
		return Mutation{}, metaerrors.New(metaerrors.Protocol, "unknown debezium op: "+p.Op)
	}
}

func isNullOrMissing(m map[string]any) bool {
	return m == nil
}

// lowerKeys rewrites column names to lowercase so Mutation.Get can do
// a case-insensitive lookup without re-scanning the map each call.
func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Get looks up column name in side (Before or After), case-insensitively.
func Get(side map[string]any, column string) (any, bool) {
	v, ok := side[strings.ToLower(column)]
	return v, ok
}
