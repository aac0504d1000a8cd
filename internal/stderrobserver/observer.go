// Package stderrobserver scans an agent worker's captured stderr for
// transcript-worthy signals: executed-command payloads and
// error-ish text, clipped and deduplicated before being forwarded to the
// transcript sink. A failure anywhere in this path must never abort the run
// it is observing.
package stderrobserver

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sprintctl/supervisor/internal/telemetry"
)

const maxObservationLen = 600

// Kind classifies one forwarded observation.
type Kind string

const (
	KindExecCommand Kind = "exec_command"
	KindErrorish    Kind = "errorish"
)

// Observation is one clipped, deduplicated signal extracted from stderr.
type Observation struct {
	RunID string
	Kind  Kind
	Text  string
}

// Sink receives observations. The transcript sink (C11) implements this.
type Sink interface {
	Observe(Observation)
}

var commandPrefixPattern = regexp.MustCompile(`(?i)^(\$|command:|running command:|run command:)\s*`)
var errorishPattern = regexp.MustCompile(`(?i)error|failed|exception|traceback|timeout|refused|unreachable`)

// Observer scans stderr lines for one run, deduplicating consecutive
// identical emissions.
type Observer struct {
	runID  string
	sink   Sink
	log    telemetry.Logger
	lastOut string
}

// New constructs an Observer forwarding to sink for one run. A nil sink
// discards every observation. A nil logger falls back to a no-op.
func New(runID string, sink Sink, log telemetry.Logger) *Observer {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Observer{runID: runID, sink: sink, log: log}
}

// Line processes one stderr line, forwarding at most one observation to the
// sink. It never panics or returns an error: any failure here is swallowed
// and logged, so it can never abort the agent run it is observing.
func (o *Observer) Line(line string) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn(context.Background(), "stderr observer recovered from panic", "run_id", o.runID, "panic", r)
		}
	}()

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if text, ok := execCommandText(trimmed); ok {
		o.emit(Observation{RunID: o.runID, Kind: KindExecCommand, Text: clip(text)})
		return
	}
	if errorishPattern.MatchString(trimmed) {
		o.emit(Observation{RunID: o.runID, Kind: KindErrorish, Text: clip(trimmed)})
	}
}

func (o *Observer) emit(obs Observation) {
	if obs.Text == o.lastOut {
		return
	}
	o.lastOut = obs.Text
	if o.sink == nil {
		return
	}
	o.sink.Observe(obs)
}

// execCommandText recognizes a JSON exec_command payload or a
// command-prefixed line, returning the normalized command text.
func execCommandText(line string) (string, bool) {
	if strings.HasPrefix(line, "{") {
		var payload struct {
			Schema  string `json:"schema"`
			Type    string `json:"type"`
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err == nil {
			if payload.Schema == "exec_command" || payload.Type == "exec_command" {
				if payload.Command != "" {
					return payload.Command, true
				}
				return line, true
			}
		}
	}
	if loc := commandPrefixPattern.FindStringIndex(line); loc != nil {
		return strings.TrimSpace(line[loc[1]:]), true
	}
	return "", false
}

func clip(s string) string {
	if len(s) <= maxObservationLen {
		return s
	}
	return s[:maxObservationLen]
}
