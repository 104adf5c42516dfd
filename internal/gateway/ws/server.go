// Package ws implements the streaming execution endpoint. Clients connect via
// WebSocket, negotiate the galaxy-exec-v1 subprotocol and exchange
// protocol.Envelope frames: execute.request in, execute.result out.
//
// Each connection runs its requests one at a time. Closing the connection
// cancels the execution in flight.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/galaxy/internal/config"
	"github.com/jkaninda/galaxy/internal/gateway"
	"github.com/jkaninda/galaxy/internal/protocol"
	"github.com/jkaninda/galaxy/internal/ratelimit"
	"github.com/jkaninda/galaxy/internal/sandbox"
	"github.com/jkaninda/galaxy/internal/storage"
)

const (
	defaultReadLimit = 1 << 20 // 1 MB
	defaultQueueSize = 8
	writeTimeout     = 10 * time.Second
)

// Server is the WebSocket execution server.
type Server struct {
	sandbox   sandbox.Sandbox
	cfg       *config.WebSocketGatewayConfig
	logger    *slog.Logger
	apiKeys   map[string]string
	limiter   *ratelimit.Limiter
	readLimit int64
	queueSize int
}

// NewServer creates a WebSocket server executing requests on sb.
func NewServer(sb sandbox.Sandbox, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sandbox:   sb,
		cfg:       cfg,
		logger:    logger,
		readLimit: defaultReadLimit,
		queueSize: defaultQueueSize,
	}
}

// WithAPIKeys requires clients to present one of keys. An empty map leaves
// the endpoint open.
func (s *Server) WithAPIKeys(keys map[string]string) *Server {
	s.apiKeys = keys
	return s
}

// WithLimiter applies per-client rate limiting to execute requests.
func (s *Server) WithLimiter(l *ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// WithReadLimit bounds the size of a single inbound frame.
func (s *Server) WithReadLimit(n int64) *Server {
	if n > 0 {
		s.readLimit = n
	}
	return s
}

// Path returns the route the server should be mounted on.
func (s *Server) Path() string {
	return s.cfg.WSPath()
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientID := gateway.ClientAddr(r)
	if len(s.apiKeys) > 0 {
		id, ok := gateway.Authenticate(s.apiKeys, gateway.BearerToken(r))
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		clientID = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	if conn.Subprotocol() != protocol.Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol "+protocol.Subprotocol+" required")
		return
	}
	conn.SetReadLimit(s.readLimit)

	s.handleConnection(r.Context(), conn, clientID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, clientID string) {
	ctx, cancel := context.WithCancel(storage.WithSource(ctx, storage.SourceWS))
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	s.logger.Info("websocket client connected", slog.String("client_id", clientID))

	queue := make(chan *protocol.Envelope, s.queueSize)
	go s.readLoop(ctx, cancel, conn, clientID, queue)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-queue:
			s.execute(ctx, conn, clientID, env)
		}
	}
}

// readLoop keeps reading while an execution runs so that pings are answered
// and a closed connection cancels ctx.
func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, clientID string, queue chan<- *protocol.Envelope) {
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway,
				errors.Is(err, context.Canceled):
				s.logger.Info("websocket client disconnected", slog.String("client_id", clientID))
			default:
				s.logger.Warn("websocket connection error",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			s.writeEnvelope(ctx, conn, protocol.NewError(nil, protocol.ErrCodeMalformed, err.Error()))
			continue
		}

		switch env.Type {
		case protocol.MsgPing:
			pong, _ := env.Reply(protocol.MsgPong, nil)
			s.writeEnvelope(ctx, conn, pong)

		case protocol.MsgExecuteRequest:
			if err := s.limiter.Allow(clientID); err != nil {
				s.writeEnvelope(ctx, conn, protocol.NewError(env, protocol.ErrCodeRateLimited, err.Error()))
				continue
			}
			select {
			case queue <- env:
			default:
				s.writeEnvelope(ctx, conn, protocol.NewError(env, protocol.ErrCodeBusy, "too many queued requests"))
			}

		default:
			s.writeEnvelope(ctx, conn, protocol.NewError(env, protocol.ErrCodeUnknownType,
				"unknown message type "+string(env.Type)))
		}
	}
}

func (s *Server) execute(ctx context.Context, conn *websocket.Conn, clientID string, env *protocol.Envelope) {
	var req protocol.ExecutePayload
	if err := env.Decode(&req); err != nil {
		s.writeEnvelope(ctx, conn, protocol.NewError(env, protocol.ErrCodeBadPayload, err.Error()))
		return
	}
	req.Language = sandbox.LanguageOrDefault(req.Language)

	result := s.sandbox.Execute(ctx, req)
	if ctx.Err() != nil {
		s.logger.Debug("websocket execution abandoned",
			slog.String("client_id", clientID),
			slog.String("request_id", env.ID),
		)
		return
	}

	reply, err := protocol.NewResult(env, result)
	if err != nil {
		s.logger.Error("encoding execution result", slog.String("error", err.Error()))
		return
	}
	s.writeEnvelope(ctx, conn, reply)
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encoding envelope", slog.String("error", err.Error()))
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
