// Package gui routes brainstorm and approval decision gates to the
// supervisor's form GUI, with refinement round-trips and a textual chat
// fallback when no GUI is reachable.
package gui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Form types.
const (
	FormTypeBrainstorm = "brainstorm_gui"
	FormTypeApproval   = "approval_gui"
)

// Question kinds (tagged union discriminator).
const (
	QuestionRadioSelect    = "radio_select"
	QuestionFreeText       = "free_text"
	QuestionConfirmReject  = "confirm_reject"
	QuestionCountdownTimer = "countdown_timer"
)

// FormResponse statuses.
const (
	StatusCompleted           = "completed"
	StatusTimedOut            = "timed_out"
	StatusCancelled           = "cancelled"
	StatusRefinementRequested = "refinement_requested"
)

// Question is one entry in a form, discriminated by Kind.
type Question struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`

	// radio_select
	Options []string `json:"options,omitempty"`

	// free_text
	Placeholder string `json:"placeholder,omitempty"`

	// confirm_reject
	ConfirmLabel string `json:"confirm_label,omitempty"`
	RejectLabel  string `json:"reject_label,omitempty"`

	// countdown_timer
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// Timeout actions.
const (
	OnTimeoutApprove = "approve"
	OnTimeoutReject  = "reject"
)

// RequestMetadata identifies the run a gate belongs to, for the GUI's
// window title and for audit correlation on the supervisor side.
type RequestMetadata struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	PlanID      string `json:"plan_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	AgentType   string `json:"agent_type,omitempty"`
}

// Timeout bounds how long a form waits and what expiry means. An empty
// OnTimeout is treated as approve for approval gates.
type Timeout struct {
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	OnTimeout       string `json:"on_timeout,omitempty"`
	FallbackMode    string `json:"fallback_mode,omitempty"`
}

// Window is display hints for the form window. Advisory; the GUI may
// ignore any of them.
type Window struct {
	Title       string `json:"title,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	AlwaysOnTop bool   `json:"always_on_top,omitempty"`
}

// FormRequest is one decision-gate form sent to the GUI.
type FormRequest struct {
	RequestID   string          `json:"request_id"`
	FormType    string          `json:"form_type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Metadata    RequestMetadata `json:"metadata,omitempty"`
	Timeout     Timeout         `json:"timeout,omitempty"`
	Window      Window          `json:"window,omitempty"`
	Questions   []Question      `json:"questions"`
}

// ResponseMetadata carries completion timing reported by the GUI.
type ResponseMetadata struct {
	CompletedAt    string `json:"completed_at,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
	AnsweredCount  int    `json:"answered_count,omitempty"`
	QuestionsCount int    `json:"questions_count,omitempty"`
}

// FormResponse is the GUI's answer to a FormRequest. Round is the
// refinement round the response belongs to, 0 for the initial launch.
type FormResponse struct {
	RequestID          string              `json:"request_id"`
	Status             string              `json:"status"`
	Round              int                 `json:"round,omitempty"`
	Metadata           ResponseMetadata    `json:"metadata,omitempty"`
	Answers            map[string]string   `json:"answers,omitempty"`
	RefinementRequests []RefinementRequest `json:"refinement_requests,omitempty"`
	RefinementSession  string              `json:"refinement_session,omitempty"`
}

// RefinementRequest flags a question the user wants reworked.
type RefinementRequest struct {
	QuestionID string `json:"question_id"`
	Feedback   string `json:"feedback,omitempty"`
}

// FormRefinementRequest asks the GUI to rework flagged questions.
type FormRefinementRequest struct {
	RequestID         string              `json:"request_id"`
	RefinementSession string              `json:"refinement_session,omitempty"`
	Round             int                 `json:"round"`
	Flagged           []RefinementRequest `json:"flagged"`
	CurrentAnswers    map[string]string   `json:"current_answers,omitempty"`
}

// FormRefinementResponse returns the reworked questions.
type FormRefinementResponse struct {
	RequestID        string     `json:"request_id"`
	Success          bool       `json:"success"`
	UpdatedQuestions []Question `json:"updated_questions,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Availability is the supervisor's capability probe result.
type Availability struct {
	SupervisorRunning bool     `json:"supervisor_running"`
	BrainstormGUI     bool     `json:"brainstorm_gui"`
	ApprovalGUI       bool     `json:"approval_gui"`
	Capabilities      []string `json:"capabilities,omitempty"`
}

// Supports reports whether a given form type can be launched.
func (a *Availability) Supports(formType string) bool {
	if a == nil || !a.SupervisorRunning {
		return false
	}
	switch formType {
	case FormTypeBrainstorm:
		return a.BrainstormGUI
	case FormTypeApproval:
		return a.ApprovalGUI
	default:
		return false
	}
}

const formRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["request_id", "form_type", "title", "questions"],
	"properties": {
		"request_id": {"type": "string", "minLength": 1},
		"form_type": {"enum": ["brainstorm_gui", "approval_gui"]},
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"metadata": {
			"type": "object",
			"properties": {
				"workspace_id": {"type": "string"},
				"plan_id": {"type": "string"},
				"session_id": {"type": "string"},
				"agent_type": {"type": "string"}
			}
		},
		"timeout": {
			"type": "object",
			"properties": {
				"duration_seconds": {"type": "integer", "minimum": 0},
				"on_timeout": {"enum": ["", "approve", "reject"]},
				"fallback_mode": {"type": "string"}
			}
		},
		"window": {
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"width": {"type": "integer", "minimum": 0},
				"height": {"type": "integer", "minimum": 0},
				"always_on_top": {"type": "boolean"}
			}
		},
		"questions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "kind", "prompt"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"kind": {"enum": ["radio_select", "free_text", "confirm_reject", "countdown_timer"]},
					"prompt": {"type": "string", "minLength": 1}
				},
				"allOf": [
					{
						"if": {"properties": {"kind": {"const": "radio_select"}}},
						"then": {"required": ["options"], "properties": {"options": {"type": "array", "minItems": 2}}}
					},
					{
						"if": {"properties": {"kind": {"const": "countdown_timer"}}},
						"then": {"required": ["duration_seconds"], "properties": {"duration_seconds": {"type": "integer", "minimum": 1}}}
					}
				]
			}
		}
	}
}`

var compiledFormRequestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(formRequestSchema))
	if err != nil {
		panic(fmt.Sprintf("parse form request schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("planhub://form_request.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add form request schema: %v", err))
	}
	return c.MustCompile("planhub://form_request.schema.json")
}

// Validate checks a FormRequest against the form schema before it
// leaves the process.
func (r *FormRequest) Validate() error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal form request: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode form request: %w", err)
	}
	if err := compiledFormRequestSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid form request: %w", err)
	}
	return nil
}

// ChatFallbackText renders the request's questions as plain text for
// the chat channel when no GUI is reachable.
func ChatFallbackText(req *FormRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", req.Title)
	if req.Description != "" {
		fmt.Fprintf(&b, "%s\n", req.Description)
	}
	b.WriteString("\n")
	for i, q := range req.Questions {
		fmt.Fprintf(&b, "%d. %s", i+1, q.Prompt)
		switch q.Kind {
		case QuestionRadioSelect:
			fmt.Fprintf(&b, " [options: %s]", strings.Join(q.Options, " | "))
		case QuestionConfirmReject:
			confirm, reject := q.ConfirmLabel, q.RejectLabel
			if confirm == "" {
				confirm = "confirm"
			}
			if reject == "" {
				reject = "reject"
			}
			fmt.Fprintf(&b, " [%s / %s]", confirm, reject)
		case QuestionCountdownTimer:
			fmt.Fprintf(&b, " [auto-resolves in %ds]", q.DurationSeconds)
		}
		b.WriteString("\n")
	}
	return b.String()
}
