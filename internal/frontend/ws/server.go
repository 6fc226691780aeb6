// Package ws serves the host's controls to remote front ends over a
// websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitando/orbital-host/internal/bridge"
	"github.com/orbitando/orbital-host/pkg/protocol"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	maxMessage   = 64 * 1024
)

// Controller is what the server drives.
type Controller interface {
	Apply(ctx context.Context, rows []bridge.RowFields) (int32, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) protocol.Status
}

// Server exposes a Controller over websocket connections.
type Server struct {
	ctrl      Controller
	logger    *zap.Logger
	validator *protocol.Validator

	upgrader websocket.Upgrader
}

// NewServer creates a server that validates commands against the command schema.
func NewServer(ctrl Controller, logger *zap.Logger) (*Server, error) {
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		ctrl:      ctrl,
		logger:    logger.With(zap.String("component", "ws")),
		validator: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    maxMessage,
			WriteBufferSize:   maxMessage,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true }, // dev default
		},
	}, nil
}

// Routes returns the HTTP routes: the websocket at /ws and the command
// schema at /schema.json.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.Handler())
	mux.HandleFunc("/schema.json", s.schemaHandler)
	return mux
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves Routes on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Websocket front end listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) schemaHandler(rw http.ResponseWriter, r *http.Request) {
	raw, err := protocol.CommandSchema()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/schema+json")
	_, _ = rw.Write(raw)
}

// Handler upgrades a request and serves commands on the connection until it closes.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessage)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
		logger.Info("Client connected")

		if err := writeJSON(conn, protocol.State("", s.ctrl.Status(ctx))); err != nil {
			return
		}

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Info("Client disconnected", zap.Error(err))
				return
			}

			reply := s.handle(ctx, logger, msg)
			if err := writeJSON(conn, reply); err != nil {
				logger.Warn("Failed to write reply", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, logger *zap.Logger, msg []byte) protocol.Reply {
	if err := s.validator.Validate(msg); err != nil {
		logger.Debug("Rejected command", zap.Error(err))
		return protocol.Failure(commandID(msg), err)
	}

	cmd, err := protocol.DecodeCommand(msg)
	if err != nil {
		return protocol.Failure("", err)
	}

	switch cmd.Type {
	case protocol.TypeApply:
		status, err := s.ctrl.Apply(ctx, rowFields(cmd.Rows))
		if err != nil {
			return protocol.Failure(cmd.ID, err)
		}
		return protocol.Result(cmd.ID, status)
	case protocol.TypeStart:
		if err := s.ctrl.Start(ctx); err != nil {
			return protocol.Failure(cmd.ID, err)
		}
		return protocol.Result(cmd.ID, 0)
	case protocol.TypeStop:
		if err := s.ctrl.Stop(ctx); err != nil {
			return protocol.Failure(cmd.ID, err)
		}
		return protocol.Result(cmd.ID, 0)
	default:
		return protocol.State(cmd.ID, s.ctrl.Status(ctx))
	}
}

func rowFields(rows []protocol.Row) []bridge.RowFields {
	fields := make([]bridge.RowFields, len(rows))
	for i, r := range rows {
		fields[i] = bridge.RowFields(r)
	}
	return fields
}

// commandID recovers the id of a command that failed validation, if any.
func commandID(msg []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(msg, &probe) != nil {
		return ""
	}
	return probe.ID
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
