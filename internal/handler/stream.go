package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakif/devflow-exec/internal/executor"
)

// Stream message types sent after the live events.
const (
	MsgResult  = "result"
	MsgFailure = "failure"
)

const (
	// requestReadTimeout bounds how long a client may wait after the upgrade
	// before sending its run request.
	requestReadTimeout = 10 * time.Second
	// eventBuffer is the number of events queued for the socket writer.
	eventBuffer = 256
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// StreamMessage is the final frame of a run stream: exactly one per run,
// either a result or a failure.
type StreamMessage struct {
	Type   string           `json:"type"`
	RunID  string           `json:"run_id,omitempty"`
	Result *executor.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Field  string           `json:"field,omitempty"`
}

// StreamHandler serves live runs over WebSocket.
//
// PROTOCOL:
//
//	client → {"command":"...", ...}            one executor.Request
//	server → {"type":"log", ...}               any number of live events
//	server → {"type":"metrics", ...}
//	server → {"type":"result","result":{...}}  or {"type":"failure","error":"..."}
//	server closes with 1000
//
// Closing the socket from the client side cancels the run and kills the child.
type StreamHandler struct {
	runs           Runner
	logger         *slog.Logger
	originPatterns []string
}

// NewStreamHandler creates a StreamHandler. originPatterns are passed to the
// WebSocket handshake; with none, only same-origin browser clients (and
// non-browser clients, which send no Origin) are accepted.
func NewStreamHandler(runs Runner, logger *slog.Logger, originPatterns ...string) *StreamHandler {
	return &StreamHandler{
		runs:           runs,
		logger:         logger,
		originPatterns: originPatterns,
	}
}

// HandleStream upgrades the connection and runs one command on it.
//
// HTTP: GET /api/runs/stream (WebSocket)
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	// The frame is decoded here rather than with wsjson.Read, which closes
	// with 1007 on bad JSON before we can send 1008.
	readCtx, cancel := context.WithTimeout(r.Context(), requestReadTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		h.logger.Warn("reading run request failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "expected a JSON run request")
		return
	}
	var req executor.Request
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("decoding run request failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "expected a JSON run request")
		return
	}

	// From here on the client only sends control frames. CloseRead handles
	// them and cancels ctx when the client goes away, which kills the run.
	ctx := conn.CloseRead(r.Context())

	sink := newEventSink(ctx, conn, h.logger)
	res, runErr := h.runs.Run(ctx, req, sink)
	sink.close()

	final := StreamMessage{Type: MsgResult, Result: res}
	if res != nil {
		final.RunID = res.RunID
	}
	if runErr != nil {
		_, body := classifyError(runErr)
		final = StreamMessage{Type: MsgFailure, RunID: req.RunID, Error: body.Message, Field: body.Field}
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	defer cancelWrite()
	if err := wsjson.Write(writeCtx, conn, final); err != nil {
		h.logger.Warn("writing final stream message failed", slog.String("error", err.Error()))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// eventSink is the Observer for a streamed run. Events are queued and
// written by a single goroutine so the output streamers never wait on the
// network directly. When the queue is full, log lines wait for room and
// metrics samples are dropped; the supervisory loop emits metrics and must
// keep checking the deadline.
type eventSink struct {
	ctx    context.Context
	events chan executor.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newEventSink(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) *eventSink {
	s := &eventSink{
		ctx:    ctx,
		events: make(chan executor.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.writeLoop(conn, logger)
	return s
}

func (s *eventSink) writeLoop(conn *websocket.Conn, logger *slog.Logger) {
	defer close(s.done)
	failed := false
	for e := range s.events {
		if failed {
			continue // drain so senders never block
		}
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		err := wsjson.Write(ctx, conn, e)
		cancel()
		if err != nil {
			logger.Warn("writing stream event failed",
				slog.String("run_id", e.RunID),
				slog.String("error", err.Error()),
			)
			failed = true
		}
	}
}

// Emit queues e for the writer. It is a no-op after close.
func (s *eventSink) Emit(e executor.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	if e.Type == executor.EventMetrics {
		select {
		case s.events <- e:
		default:
		}
		return
	}
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// close stops accepting events and waits until the queued ones are written.
func (s *eventSink) close() {
	s.mu.Lock()
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
}
