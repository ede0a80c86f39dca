package gui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/planhub/internal/audit"
	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/shared"
)

// MaxRefinementRounds caps the refinement loop per gate invocation.
// Exceeding the cap is a terminal error, never a silent continuation.
const MaxRefinementRounds = 5

// Gate states, reported in the result for observability.
const (
	StateNotStarted          = "NOT_STARTED"
	StateAvailabilityChecked = "GUI_AVAILABILITY_CHECKED"
	StateLaunched            = "LAUNCHED"
	StateCompleted           = "COMPLETED"
	StateTimedOut            = "TIMED_OUT"
	StateCancelled           = "CANCELLED"
	StateRefined             = "REFINED"
	StateUnavailableFallback = "UNAVAILABLE_FALLBACK"
)

// Outcome discriminants.
const (
	OutcomeGranted     = "granted"
	OutcomeDeclined    = "declined"
	OutcomeFallback    = "chat_fallback"
	OutcomeError       = "error"
	OutcomeCapExceeded = "refinement_cap_exceeded"
)

// GateResult is the discriminated outcome of one gate invocation. The
// router never lets a raw transport error escape: failures land in
// ErrorKind/ErrorDetail with Outcome "error".
type GateResult struct {
	Outcome      string        `json:"outcome"`
	FinalState   string        `json:"final_state"`
	Response     *FormResponse `json:"response,omitempty"`
	FallbackText string        `json:"fallback_text,omitempty"`
	Rounds       int           `json:"rounds"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
}

// Granted reports whether an approval gate passed. Completed and
// timed-out both grant; timeout is not a rejection. Only explicit
// cancellation rejects.
func (r *GateResult) Granted() bool {
	return r.Outcome == OutcomeGranted
}

// Router drives the gate state machine against a supervisor client.
type Router struct {
	client SupervisorClient
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRouter(client SupervisorClient, eventBus *bus.Bus, logger *slog.Logger) *Router {
	return &Router{
		client: client,
		bus:    eventBus,
		logger: logger.With("component", "gui"),
	}
}

// RouteGate runs one decision gate: probe availability, launch the form,
// loop on refinement requests (brainstorm only, capped), and map the
// final response onto an outcome. When the GUI is unreachable or the
// form type unsupported, the gate degrades to a chat fallback instead
// of blocking.
func (r *Router) RouteGate(ctx context.Context, req *FormRequest) *GateResult {
	started := time.Now()
	result := r.routeGate(ctx, req)
	result.Rounds = max(result.Rounds, 0)

	r.logger.InfoContext(ctx, "gate resolved",
		"trace_id", shared.TraceID(ctx),
		"request_id", req.RequestID,
		"form_type", req.FormType,
		"outcome", result.Outcome,
		"final_state", result.FinalState,
		"rounds", result.Rounds,
		"elapsed", time.Since(started).String())
	audit.Record(result.Outcome, "gate_"+req.FormType, result.FinalState, req.RequestID)

	if r.bus != nil {
		r.bus.Publish(bus.TopicGateResolved, bus.GateEvent{
			RequestID: req.RequestID,
			FormType:  req.FormType,
			Status:    result.FinalState,
			Granted:   result.Granted(),
			Rounds:    result.Rounds,
		})
	}
	return result
}

func (r *Router) routeGate(ctx context.Context, req *FormRequest) *GateResult {
	if err := req.Validate(); err != nil {
		return &GateResult{
			Outcome:     OutcomeError,
			FinalState:  StateNotStarted,
			ErrorKind:   ErrKindInternal,
			ErrorDetail: err.Error(),
		}
	}

	avail, err := r.client.CheckGuiAvailability(ctx)
	if err != nil {
		kind := kindOf(err)
		if kind == ErrKindUnavailable || kind == ErrKindTimeout {
			return r.fallback(req)
		}
		return transportResult(StateAvailabilityChecked, err)
	}
	if !avail.Supports(req.FormType) {
		return r.fallback(req)
	}

	current := *req
	for round := 0; ; round++ {
		resp, err := r.launch(ctx, &current)
		if err != nil {
			res := transportResult(StateLaunched, err)
			res.Rounds = round
			return res
		}

		switch resp.Status {
		case StatusCompleted:
			return &GateResult{Outcome: OutcomeGranted, FinalState: StateCompleted, Response: resp, Rounds: round}
		case StatusTimedOut:
			// The on_timeout policy defaults to approve so an absent
			// operator never blocks a pipeline. Only an explicit reject
			// policy turns expiry into a decline.
			if req.Timeout.OnTimeout == OnTimeoutReject {
				return &GateResult{Outcome: OutcomeDeclined, FinalState: StateTimedOut, Response: resp, Rounds: round}
			}
			return &GateResult{Outcome: OutcomeGranted, FinalState: StateTimedOut, Response: resp, Rounds: round}
		case StatusCancelled:
			return &GateResult{Outcome: OutcomeDeclined, FinalState: StateCancelled, Response: resp, Rounds: round}
		case StatusRefinementRequested:
			if req.FormType != FormTypeBrainstorm {
				return &GateResult{
					Outcome:     OutcomeError,
					FinalState:  StateLaunched,
					Rounds:      round,
					ErrorKind:   ErrKindInternal,
					ErrorDetail: fmt.Sprintf("refinement requested on %s gate", req.FormType),
				}
			}
			if len(resp.RefinementRequests) == 0 {
				return &GateResult{
					Outcome:     OutcomeError,
					FinalState:  StateLaunched,
					Rounds:      round,
					ErrorKind:   ErrKindInternal,
					ErrorDetail: "refinement requested without refinement_requests entries",
				}
			}
			if round+1 > MaxRefinementRounds {
				return &GateResult{
					Outcome:     OutcomeCapExceeded,
					FinalState:  StateLaunched,
					Rounds:      round,
					ErrorDetail: fmt.Sprintf("refinement cap of %d rounds exceeded", MaxRefinementRounds),
				}
			}
			if err := r.refine(ctx, &current, resp, round+1); err != nil {
				res := transportResult(StateRefined, err)
				res.Rounds = round + 1
				return res
			}
		default:
			return &GateResult{
				Outcome:     OutcomeError,
				FinalState:  StateLaunched,
				Rounds:      round,
				ErrorKind:   ErrKindInternal,
				ErrorDetail: fmt.Sprintf("unknown form response status %q", resp.Status),
			}
		}
	}
}

func (r *Router) launch(ctx context.Context, req *FormRequest) (*FormResponse, error) {
	launchCtx := ctx
	if req.Timeout.DurationSeconds > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout.DurationSeconds)*time.Second)
		defer cancel()
	}
	return r.client.LaunchFormApp(launchCtx, req)
}

// refine sends the flagged questions back to the GUI and splices the
// reworked questions into the request for the next launch.
func (r *Router) refine(ctx context.Context, current *FormRequest, resp *FormResponse, round int) error {
	refReq := &FormRefinementRequest{
		RequestID:         current.RequestID,
		RefinementSession: resp.RefinementSession,
		Round:             round,
		Flagged:           resp.RefinementRequests,
		CurrentAnswers:    resp.Answers,
	}
	refResp, err := r.client.ContinueFormApp(ctx, refReq)
	if err != nil {
		return err
	}
	if !refResp.Success {
		return &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("refinement rejected: %s", refResp.Error)}
	}

	byID := make(map[string]Question, len(refResp.UpdatedQuestions))
	for _, q := range refResp.UpdatedQuestions {
		byID[q.ID] = q
	}
	for i, q := range current.Questions {
		if updated, ok := byID[q.ID]; ok {
			current.Questions[i] = updated
		}
	}
	return nil
}

func (r *Router) fallback(req *FormRequest) *GateResult {
	return &GateResult{
		Outcome:      OutcomeFallback,
		FinalState:   StateUnavailableFallback,
		FallbackText: ChatFallbackText(req),
	}
}

func transportResult(state string, err error) *GateResult {
	return &GateResult{
		Outcome:     OutcomeError,
		FinalState:  state,
		ErrorKind:   kindOf(err),
		ErrorDetail: err.Error(),
	}
}

func kindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindInternal
}
