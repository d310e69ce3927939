package models

import (
	"encoding/json"
)

// Event is the JSON wire shape pushed to stream subscribers. Every event
// carries the sequence number of the step it was derived from, so a
// subscriber can deduplicate after a reconnect.
type Event struct {
	Sequence     int             `json:"sequence"`
	StepName     string          `json:"step_name,omitempty"`
	CurrentAgent string          `json:"current_agent,omitempty"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	FromAgent    string          `json:"from_agent,omitempty"`
	ToAgent      string          `json:"to_agent,omitempty"`
	ArchiveID    string          `json:"archive_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	Status       WorkflowStatus  `json:"status,omitempty"`
	TotalCost    float64         `json:"total_cost"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// EventFromStep converts a persisted step into its stream event. Live
// publication and replay both go through this function, so a reconnecting
// subscriber reconstructs exactly the events it missed. totalCost is the
// cumulative spend up to and including this step.
func EventFromStep(step Step, totalCost float64) Event {
	ev := Event{
		Sequence:     step.Seq,
		StepName:     step.Name,
		CurrentAgent: step.Agent,
		OutputData:   step.Output,
		Error:        step.Error,
		TotalCost:    totalCost,
	}

	switch step.Name {
	case StepLoop:
		var m LoopMarker
		if err := json.Unmarshal(step.Output, &m); err == nil {
			ev.FromAgent = m.FromAgent
			ev.ToAgent = m.ToAgent
		}
	case StepArchive:
		var m ArchiveMarker
		if err := json.Unmarshal(step.Output, &m); err == nil {
			ev.ArchiveID = m.ArchiveID
		}
	case StepTerminal:
		var m TerminalMarker
		if err := json.Unmarshal(step.Output, &m); err == nil {
			ev.Status = m.Status
			if m.Status == StatusFailed && ev.Error == "" {
				ev.Error = string(m.Reason)
			}
		}
	}
	return ev
}
