package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/jkaninda/galaxy/internal/protocol"
	"github.com/jkaninda/galaxy/internal/sandbox"
)

// RemoteError is a protocol-level error reported by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Client is a connection to a galaxy WebSocket endpoint. Calls must not be
// made concurrently.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to url (ws:// or wss://) and negotiates the execution
// subprotocol. A non-empty token is sent as a Bearer API key.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol mismatch")
		return nil, fmt.Errorf("server did not accept subprotocol %s", protocol.Subprotocol)
	}
	conn.SetReadLimit(defaultReadLimit * 4)
	return &Client{conn: conn}, nil
}

// Execute sends one request and waits for its result.
func (c *Client) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	env, err := protocol.NewEnvelope(protocol.MsgExecuteRequest, req)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.MsgExecuteResult {
		return nil, fmt.Errorf("unexpected reply type %s", reply.Type)
	}

	var result protocol.ResultPayload
	if err := reply.Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	result.ExecutionID = reply.ExecutionID
	return &result, nil
}

// Ping sends an application-level ping and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.MsgPing, nil)
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(ctx, env)
	if err != nil {
		return err
	}
	if reply.Type != protocol.MsgPong {
		return fmt.Errorf("unexpected reply type %s", reply.Type)
	}
	return nil
}

// Close closes the connection normally.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closing")
}

// roundTrip writes env and returns the first frame answering it. Error
// frames are converted into *RemoteError.
func (c *Client) roundTrip(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		reply, err := protocol.Parse(data)
		if err != nil {
			return nil, err
		}
		if reply.ReplyTo != "" && reply.ReplyTo != env.ID {
			continue
		}
		if reply.Type == protocol.MsgError {
			var p protocol.ErrorPayload
			if err := reply.Decode(&p); err != nil {
				return nil, fmt.Errorf("decoding error frame: %w", err)
			}
			return nil, &RemoteError{Code: p.Code, Message: p.Message}
		}
		return reply, nil
	}
}

// HTTPToWS rewrites an http(s) base URL into the matching ws(s) URL.
func HTTPToWS(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(base, "/") + path
}
