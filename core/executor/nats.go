package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/tool"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is where runners listen for execution requests.
const DefaultSubject = "toolforge.exec"

const runnerQueue = "toolforge-runners"

var errNilConn = errors.New("nats connection not initialized")

// reply is the wire envelope a runner answers with.
type reply struct {
	Result *tool.ExecResult `json:"result,omitempty"`
	Error  *tool.Error      `json:"error,omitempty"`
}

// NATSClient sends execution requests to a runner pool over NATS
// request/reply. No listening runner means SERVICE_UNAVAILABLE.
type NATSClient struct {
	nc      *nats.Conn
	subject string
}

func NewNATSClient(nc *nats.Conn, subject string) *NATSClient {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSClient{nc: nc, subject: subject}
}

func (c *NATSClient) Execute(ctx context.Context, req *tool.ExecRequest) (*tool.ExecResult, error) {
	if c == nil || c.nc == nil {
		return nil, tool.Unavailable(errNilConn, "executor not connected")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, tool.Wrap(err, "encode exec request")
	}
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, tool.Unavailable(err, "no executor is listening on %s", c.subject)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, tool.Unavailable(err, "executor request failed")
	}
	return decodeReply(msg.Data)
}

func decodeReply(data []byte) (*tool.ExecResult, error) {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, tool.Wrap(err, "decode exec reply")
	}
	if r.Error != nil {
		return nil, r.Error
	}
	if r.Result == nil {
		return nil, tool.Internal("exec reply carried neither result nor error")
	}
	return r.Result, nil
}

func encodeReply(res *tool.ExecResult, err error) []byte {
	r := reply{Result: res}
	if err != nil {
		var te *tool.Error
		if !errors.As(err, &te) {
			te = tool.Internal("%v", err)
		}
		r = reply{Error: te}
	}
	data, mErr := json.Marshal(r)
	if mErr != nil {
		data, _ = json.Marshal(reply{Error: tool.Internal("encode exec reply: %v", mErr)})
	}
	return data
}

// ServeNATS answers execution requests on subject with exec until ctx is
// done. Runners share a queue group so each request runs once.
func ServeNATS(ctx context.Context, nc *nats.Conn, subject string, exec tool.Executor, timeout time.Duration) error {
	if nc == nil {
		return errNilConn
	}
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := nc.QueueSubscribe(subject, runnerQueue, func(msg *nats.Msg) {
		var req tool.ExecRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			_ = msg.Respond(encodeReply(nil, tool.Validation("decode exec request: %v", err)))
			return
		}
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := exec.Execute(runCtx, &req)
		if err != nil {
			logging.Warn("executor", "execution failed", "run_id", req.RunID, "tool_id", req.ToolID, "error", err)
		}
		if rErr := msg.Respond(encodeReply(res, err)); rErr != nil {
			logging.Error("executor", "reply failed", "run_id", req.RunID, "error", rErr)
		}
	})
	if err != nil {
		return err
	}
	logging.Info("executor", "serving exec requests", "subject", subject)
	<-ctx.Done()
	return sub.Drain()
}
