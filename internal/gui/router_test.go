package gui

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/basket/planhub/internal/bus"
)

type fakeSupervisor struct {
	avail      *Availability
	availErr   error
	responses  []*FormResponse
	launchErr  error
	refineErr  error
	refined    []*FormRefinementResponse
	launches   int
	refines    int
	lastLaunch *FormRequest
}

func (f *fakeSupervisor) CheckGuiAvailability(ctx context.Context) (*Availability, error) {
	if f.availErr != nil {
		return nil, f.availErr
	}
	return f.avail, nil
}

func (f *fakeSupervisor) LaunchFormApp(ctx context.Context, req *FormRequest) (*FormResponse, error) {
	f.launches++
	copied := *req
	f.lastLaunch = &copied
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	if len(f.responses) == 0 {
		return nil, errors.New("fake: no scripted response")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeSupervisor) ContinueFormApp(ctx context.Context, req *FormRefinementRequest) (*FormRefinementResponse, error) {
	f.refines++
	if f.refineErr != nil {
		return nil, f.refineErr
	}
	if len(f.refined) == 0 {
		return &FormRefinementResponse{RequestID: req.RequestID, Success: true}, nil
	}
	resp := f.refined[0]
	if len(f.refined) > 1 {
		f.refined = f.refined[1:]
	}
	return resp, nil
}

func allAvailable() *Availability {
	return &Availability{SupervisorRunning: true, BrainstormGUI: true, ApprovalGUI: true}
}

func newRouter(f *fakeSupervisor) *Router {
	return NewRouter(f, bus.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func approvalRequest() *FormRequest {
	return &FormRequest{
		RequestID: "req-1",
		FormType:  FormTypeApproval,
		Title:     "Deploy to staging?",
		Questions: []Question{
			{ID: "q1", Kind: QuestionConfirmReject, Prompt: "Approve the deployment"},
		},
	}
}

func brainstormRequest() *FormRequest {
	return &FormRequest{
		RequestID: "req-2",
		FormType:  FormTypeBrainstorm,
		Title:     "Naming session",
		Questions: []Question{
			{ID: "q1", Kind: QuestionFreeText, Prompt: "Suggest a name"},
			{ID: "q2", Kind: QuestionRadioSelect, Prompt: "Pick a style", Options: []string{"snake", "camel"}},
		},
	}
}

func TestRouteGate_CompletedGrants(t *testing.T) {
	f := &fakeSupervisor{
		avail:     allAvailable(),
		responses: []*FormResponse{{RequestID: "req-1", Status: StatusCompleted}},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if !res.Granted() || res.FinalState != StateCompleted {
		t.Fatalf("result = %+v, want granted/COMPLETED", res)
	}
}

func TestRouteGate_TimeoutGrants(t *testing.T) {
	f := &fakeSupervisor{
		avail:     allAvailable(),
		responses: []*FormResponse{{RequestID: "req-1", Status: StatusTimedOut}},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if !res.Granted() {
		t.Fatalf("result = %+v; timeout must grant, not reject", res)
	}
	if res.FinalState != StateTimedOut {
		t.Fatalf("final state = %q", res.FinalState)
	}
}

func TestRouteGate_TimeoutRejectPolicyDeclines(t *testing.T) {
	f := &fakeSupervisor{
		avail:     allAvailable(),
		responses: []*FormResponse{{RequestID: "req-1", Status: StatusTimedOut}},
	}
	req := approvalRequest()
	req.Timeout = Timeout{DurationSeconds: 30, OnTimeout: OnTimeoutReject}

	res := newRouter(f).RouteGate(context.Background(), req)
	if res.Granted() {
		t.Fatalf("result = %+v; explicit reject policy must decline on timeout", res)
	}
	if res.Outcome != OutcomeDeclined || res.FinalState != StateTimedOut {
		t.Fatalf("result = %+v, want declined/TIMED_OUT", res)
	}
}

func TestRouteGate_CancelledDeclines(t *testing.T) {
	f := &fakeSupervisor{
		avail:     allAvailable(),
		responses: []*FormResponse{{RequestID: "req-1", Status: StatusCancelled}},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if res.Granted() {
		t.Fatal("cancellation granted the gate")
	}
	if res.Outcome != OutcomeDeclined {
		t.Fatalf("outcome = %q, want declined (distinct from transport error)", res.Outcome)
	}
	if res.ErrorKind != "" {
		t.Fatalf("declined outcome carries error kind %q", res.ErrorKind)
	}
}

func TestRouteGate_UnavailableFallsBackToChat(t *testing.T) {
	f := &fakeSupervisor{
		availErr: &TransportError{Kind: ErrKindUnavailable, Err: errors.New("connect: connection refused")},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if res.Outcome != OutcomeFallback || res.FinalState != StateUnavailableFallback {
		t.Fatalf("result = %+v, want chat fallback", res)
	}
	if !strings.Contains(res.FallbackText, "Approve the deployment") {
		t.Fatalf("fallback text = %q, want question prompt", res.FallbackText)
	}
	if f.launches != 0 {
		t.Fatal("form launched despite unavailable GUI")
	}
}

func TestRouteGate_UnsupportedFormTypeFallsBack(t *testing.T) {
	f := &fakeSupervisor{
		avail: &Availability{SupervisorRunning: true, BrainstormGUI: true, ApprovalGUI: false},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if res.Outcome != OutcomeFallback {
		t.Fatalf("result = %+v, want fallback for unsupported form", res)
	}
}

func TestRouteGate_RefinementLoopSplicesQuestions(t *testing.T) {
	f := &fakeSupervisor{
		avail: allAvailable(),
		responses: []*FormResponse{
			{
				RequestID: "req-2",
				Status:    StatusRefinementRequested,
				RefinementRequests: []RefinementRequest{
					{QuestionID: "q1", Feedback: "too vague"},
				},
				Answers: map[string]string{"q2": "snake"},
			},
			{RequestID: "req-2", Status: StatusCompleted},
		},
		refined: []*FormRefinementResponse{
			{
				RequestID: "req-2",
				Success:   true,
				UpdatedQuestions: []Question{
					{ID: "q1", Kind: QuestionFreeText, Prompt: "Suggest a short, lowercase name"},
				},
			},
		},
	}
	res := newRouter(f).RouteGate(context.Background(), brainstormRequest())
	if !res.Granted() {
		t.Fatalf("result = %+v, want granted after refinement", res)
	}
	if res.Rounds != 1 {
		t.Fatalf("rounds = %d, want 1", res.Rounds)
	}
	if f.refines != 1 {
		t.Fatalf("refine calls = %d, want 1", f.refines)
	}
	// The relaunched request carries the spliced question; the untouched
	// question survives.
	if f.lastLaunch.Questions[0].Prompt != "Suggest a short, lowercase name" {
		t.Fatalf("question not spliced: %+v", f.lastLaunch.Questions[0])
	}
	if f.lastLaunch.Questions[1].Prompt != "Pick a style" {
		t.Fatalf("unflagged question changed: %+v", f.lastLaunch.Questions[1])
	}
}

func TestRouteGate_RefinementCapIsTerminal(t *testing.T) {
	refining := &FormResponse{
		RequestID:          "req-2",
		Status:             StatusRefinementRequested,
		RefinementRequests: []RefinementRequest{{QuestionID: "q1"}},
	}
	f := &fakeSupervisor{
		avail:     allAvailable(),
		responses: []*FormResponse{refining},
	}
	res := newRouter(f).RouteGate(context.Background(), brainstormRequest())
	if res.Outcome != OutcomeCapExceeded {
		t.Fatalf("outcome = %q, want refinement cap exceeded", res.Outcome)
	}
	if f.refines != MaxRefinementRounds {
		t.Fatalf("refine calls = %d, want %d", f.refines, MaxRefinementRounds)
	}
	if f.launches != MaxRefinementRounds+1 {
		t.Fatalf("launches = %d, want %d", f.launches, MaxRefinementRounds+1)
	}
}

func TestRouteGate_EmptyRefinementListIsError(t *testing.T) {
	f := &fakeSupervisor{
		avail: allAvailable(),
		responses: []*FormResponse{
			{RequestID: "req-2", Status: StatusRefinementRequested},
		},
	}
	res := newRouter(f).RouteGate(context.Background(), brainstormRequest())
	if res.Outcome != OutcomeError || res.ErrorKind != ErrKindInternal {
		t.Fatalf("result = %+v, want internal error for empty refinement list", res)
	}
	if f.refines != 0 {
		t.Fatalf("refine calls = %d, want none for an empty flag list", f.refines)
	}
}

func TestRouteGate_RefinementOnApprovalIsError(t *testing.T) {
	f := &fakeSupervisor{
		avail: allAvailable(),
		responses: []*FormResponse{
			{RequestID: "req-1", Status: StatusRefinementRequested},
		},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %q, want error for refinement on approval gate", res.Outcome)
	}
}

func TestRouteGate_TransportErrorBecomesTypedResult(t *testing.T) {
	f := &fakeSupervisor{
		avail:     allAvailable(),
		launchErr: &TransportError{Kind: ErrKindDisconnected, Err: errors.New("connection reset")},
	}
	res := newRouter(f).RouteGate(context.Background(), approvalRequest())
	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %q, want error", res.Outcome)
	}
	if res.ErrorKind != ErrKindDisconnected {
		t.Fatalf("error kind = %q, want disconnected", res.ErrorKind)
	}
}

func TestRouteGate_InvalidRequestRejectedBeforeProbe(t *testing.T) {
	f := &fakeSupervisor{avail: allAvailable()}
	bad := &FormRequest{
		RequestID: "req-3",
		FormType:  FormTypeApproval,
		Title:     "Bad form",
		Questions: []Question{
			{ID: "q1", Kind: QuestionRadioSelect, Prompt: "Pick one", Options: []string{"only"}},
		},
	}
	res := newRouter(f).RouteGate(context.Background(), bad)
	if res.Outcome != OutcomeError || res.FinalState != StateNotStarted {
		t.Fatalf("result = %+v, want validation error before any I/O", res)
	}
	if f.launches != 0 {
		t.Fatal("invalid form reached the supervisor")
	}
}
