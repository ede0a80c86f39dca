package gui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrorKind classifies transport failures so callers can render them
// without inspecting raw errors.
type ErrorKind string

const (
	ErrKindUnavailable  ErrorKind = "unavailable"
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindDisconnected ErrorKind = "disconnected"
	ErrKindInternal     ErrorKind = "internal"
)

// TransportError is the typed failure every supervisor call converts
// raw network errors into. It never escapes the gui package as a plain
// error without a Kind.
type TransportError struct {
	Kind ErrorKind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("supervisor %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// classifyErr maps a raw transport error onto an ErrorKind. Connection
// refusals and missing sockets mean no supervisor is listening.
func classifyErr(err error) *TransportError {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return &TransportError{Kind: ErrKindTimeout, Err: err}
	case errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed):
		return &TransportError{Kind: ErrKindDisconnected, Err: err}
	case isConnectionError(err):
		return &TransportError{Kind: ErrKindUnavailable, Err: err}
	default:
		return &TransportError{Kind: ErrKindInternal, Err: err}
	}
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return os.IsNotExist(err)
}

// Message kinds on the supervisor socket.
const (
	msgCheckAvailability = "check_gui_availability"
	msgLaunchFormApp     = "launch_form_app"
	msgContinueFormApp   = "continue_form_app"
	msgFormResponse      = "form_response"
	msgLaunchAck         = "launch_ack"
)

// envelope frames every message on the wire: one JSON object per line.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// LaunchAck is the supervisor's immediate reply to a launch; the
// FormResponse arrives separately when the human finishes.
type LaunchAck struct {
	AppName   string `json:"app_name"`
	Success   bool   `json:"success"`
	ElapsedMs int64  `json:"elapsed_ms"`
	TimedOut  bool   `json:"timed_out"`
}

// SupervisorClient is the GUI-side collaborator the router talks to.
type SupervisorClient interface {
	CheckGuiAvailability(ctx context.Context) (*Availability, error)
	LaunchFormApp(ctx context.Context, req *FormRequest) (*FormResponse, error)
	ContinueFormApp(ctx context.Context, req *FormRefinementRequest) (*FormRefinementResponse, error)
}

// SocketClient speaks newline-delimited JSON to the supervisor over a
// local unix socket. Each call opens a fresh connection; the supervisor
// treats a connection as one exchange.
type SocketClient struct {
	socketPath   string
	probeTimeout time.Duration
}

func NewSocketClient(socketPath string, probeTimeout time.Duration) *SocketClient {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &SocketClient{socketPath: socketPath, probeTimeout: probeTimeout}
}

// CheckGuiAvailability probes the supervisor. A refused or absent
// socket is reported as unavailable, never as a fatal error.
func (c *SocketClient) CheckGuiAvailability(ctx context.Context) (*Availability, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	conn, err := c.dial(probeCtx)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer conn.Close()

	reply, err := exchange(probeCtx, conn, envelope{Type: msgCheckAvailability})
	if err != nil {
		return nil, err
	}
	var avail Availability
	if err := json.Unmarshal(reply.Payload, &avail); err != nil {
		return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("decode availability: %w", err)}
	}
	return &avail, nil
}

// LaunchFormApp sends the request, reads the launch ack, then blocks
// until the out-of-band FormResponse arrives on the same connection.
// The context deadline bounds the whole human round trip.
func (c *SocketClient) LaunchFormApp(ctx context.Context, req *FormRequest) (*FormResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Kind: ErrKindInternal, Err: err}
	}
	if err := writeEnvelope(ctx, conn, envelope{Type: msgLaunchFormApp, Payload: payload}); err != nil {
		return nil, err
	}

	// One reader per connection: the launch ack and the form response
	// may arrive back to back and must share the buffer.
	reader := bufio.NewReader(conn)
	ack, err := readEnvelope(ctx, conn, reader)
	if err != nil {
		return nil, err
	}
	if ack.Error != "" {
		return nil, &TransportError{Kind: ErrKindInternal, Err: errors.New(ack.Error)}
	}
	var launch LaunchAck
	if ack.Type == msgLaunchAck {
		if err := json.Unmarshal(ack.Payload, &launch); err != nil {
			return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("decode launch ack: %w", err)}
		}
		if !launch.Success {
			return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("supervisor refused launch of %s", launch.AppName)}
		}
		ack, err = readEnvelope(ctx, conn, reader)
		if err != nil {
			return nil, err
		}
	}

	if ack.Type != msgFormResponse {
		return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("unexpected message type %q", ack.Type)}
	}
	var resp FormResponse
	if err := json.Unmarshal(ack.Payload, &resp); err != nil {
		return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("decode form response: %w", err)}
	}
	return &resp, nil
}

// ContinueFormApp sends a refinement round trip.
func (c *SocketClient) ContinueFormApp(ctx context.Context, req *FormRefinementRequest) (*FormRefinementResponse, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer conn.Close()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, &TransportError{Kind: ErrKindInternal, Err: err}
	}
	reply, err := exchange(ctx, conn, envelope{Type: msgContinueFormApp, Payload: payload})
	if err != nil {
		return nil, err
	}
	var resp FormRefinementResponse
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("decode refinement response: %w", err)}
	}
	return &resp, nil
}

func (c *SocketClient) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.socketPath)
}

// exchange writes one envelope and reads one reply.
func exchange(ctx context.Context, conn net.Conn, out envelope) (*envelope, error) {
	if err := writeEnvelope(ctx, conn, out); err != nil {
		return nil, err
	}
	reply, err := readEnvelope(ctx, conn, bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, &TransportError{Kind: ErrKindInternal, Err: errors.New(reply.Error)}
	}
	return reply, nil
}

func writeEnvelope(ctx context.Context, conn net.Conn, env envelope) error {
	applyDeadline(ctx, conn)
	data, err := json.Marshal(env)
	if err != nil {
		return &TransportError{Kind: ErrKindInternal, Err: err}
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return classifyErr(err)
	}
	return nil
}

func readEnvelope(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*envelope, error) {
	applyDeadline(ctx, conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, classifyErr(err)
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &TransportError{Kind: ErrKindInternal, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	return &env, nil
}

func applyDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
}
