package admin

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/robohub/robohub/internal/dispatch"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
)

// CommandRequest is a command for SendCommand
type CommandRequest struct {
	Command string
	// Session is a session key or a slot id; empty broadcasts
	Session   string
	Direction string
	Duration  float64
	UploadURL string
}

// Failure is one session that did not receive a command
type Failure struct {
	ID    int    `json:"id"`
	Error string `json:"error"`
}

// CommandResult reports where a command was delivered
type CommandResult struct {
	Command   string    `json:"command"`
	Delivered []int     `json:"delivered"`
	Failed    []Failure `json:"failed"`
}

func newCommandResult(rep dispatch.Report) CommandResult {
	res := CommandResult{Command: rep.Command, Delivered: rep.Delivered, Failed: []Failure{}}
	if res.Delivered == nil {
		res.Delivered = []int{}
	}
	for _, id := range rep.FailedIDs() {
		res.Failed = append(res.Failed, Failure{ID: id, Error: rep.Failed[id].Error()})
	}
	return res
}

// HistoryResult is the telemetry history of one session key
type HistoryResult struct {
	Key     string             `json:"key"`
	Peer    string             `json:"peer"`
	Samples []telemetry.Sample `json:"samples"`
}

// Client calls the admin service
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the admin service at addr. Extra options are appended
// after the insecure transport credentials.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// ListSessions returns every live session
func (c *Client) ListSessions(ctx context.Context) ([]registry.Info, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodListSessions, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp struct {
		Sessions []registry.Info `json:"sessions"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return resp.Sessions, nil
}

// SendCommand sends a command to one session or broadcasts it
func (c *Client) SendCommand(ctx context.Context, req CommandRequest) (CommandResult, error) {
	fields := map[string]any{"command": req.Command}
	if req.Session != "" {
		if id, err := strconv.Atoi(req.Session); err == nil {
			fields["session"] = id
		} else {
			fields["session"] = req.Session
		}
	}
	if req.Direction != "" {
		fields["direction"] = req.Direction
	}
	if req.Duration != 0 {
		fields["duration"] = req.Duration
	}
	if req.UploadURL != "" {
		fields["upload_url"] = req.UploadURL
	}

	in, err := structpb.NewStruct(fields)
	if err != nil {
		return CommandResult{}, fmt.Errorf("build request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSendCommand, in, out); err != nil {
		return CommandResult{}, err
	}

	var res CommandResult
	if err := fromStruct(out, &res); err != nil {
		return CommandResult{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// TelemetryHistory returns the samples recorded for a session key after sinceMs
func (c *Client) TelemetryHistory(ctx context.Context, key string, sinceMs int64) (HistoryResult, error) {
	fields := map[string]any{"key": key}
	if sinceMs > 0 {
		fields["since_ms"] = sinceMs
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("build request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodTelemetryHistory, in, out); err != nil {
		return HistoryResult{}, err
	}

	var res HistoryResult
	if err := fromStruct(out, &res); err != nil {
		return HistoryResult{}, fmt.Errorf("decode history: %w", err)
	}
	return res, nil
}
