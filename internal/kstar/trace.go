// Package kstar implements the KSTAR memory subsystem: four record
// families (traces, perceptions/facts, skills, control tokens) persisted
// as file-per-family JSON-lines, per-session xAPI statement logs, and
// export/import bundles. The only xAPI statements written are the ones
// the invocation engine appends for logged capability invocations that
// carry a session; other UMF traffic through the gateway produces none.
package kstar

import "time"

// Situation captures the ambient context a Trace was recorded in.
type Situation struct {
	Domain  string `json:"domain,omitempty"`
	Actor   string `json:"actor,omitempty"` // principal URN
	Channel string `json:"channel,omitempty"`
	Now     time.Time `json:"now"`
}

// Task is the goal a traced action served.
type Task struct {
	Goal        string   `json:"goal,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Action is what was actually done.
type Action struct {
	Type       string         `json:"type"` // e.g. capability_id or "route_decision"
	Parameters map[string]any `json:"parameters,omitempty"`
	ToolsUsed  []string       `json:"tools_used,omitempty"`
}

// Result is the outcome of an Action.
type Result struct {
	Success     bool     `json:"success"`
	Outcome     string   `json:"outcome,omitempty"`
	SideEffects []string `json:"side_effects,omitempty"`
}

// TraceMetadata is free-form classification attached to a Trace.
type TraceMetadata struct {
	Mode         string   `json:"mode,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	LinkedTraces []string `json:"linked_traces,omitempty"`
}

// Trace is an episodic memory record: one situated action and its result.
// Traces are append-only; an update is recorded as a new trace whose
// metadata.linked_traces references the original (spec §4.7).
type Trace struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Situation Situation     `json:"situation"`
	Task      Task          `json:"task"`
	Action    Action        `json:"action"`
	Result    Result        `json:"result"`
	Metadata  TraceMetadata `json:"metadata"`

	// SessionID partitions the STM copy of this trace (stm/{id}/trace.jsonl);
	// the LTM copy in ltm/memory/traces.jsonl carries it too for search.
	SessionID string `json:"session_id,omitempty"`
}
