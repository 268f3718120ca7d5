// Package realtime serves a running session over HTTP: a small REST API and
// a WebSocket that streams output and command records as they happen.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"mwfn-driver/internal/ledger"
	"mwfn-driver/internal/pipeline"
	"mwfn-driver/internal/protocol"
	"mwfn-driver/internal/session"
	"mwfn-driver/internal/watcher"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	fileTreeDepth = 3
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Driver is the session surface the server needs. *session.Session
// implements it.
type Driver interface {
	Info() session.Info
	ProgramDir() string
	Execute(ctx context.Context, command string, opts session.ExecOptions) (ledger.Record, error)
	Records() []ledger.Record
	Record(i int) (ledger.Record, error)
	OutputBlock(index *int) (string, error)
	Subscribe() (string, <-chan pipeline.OutputEvent, []pipeline.OutputEvent)
	Unsubscribe(subID string)
	Shutdown(force bool) error
}

var _ Driver = (*session.Session)(nil)

// Server manages WebSocket connections and routes messages between
// clients and the session.
type Server struct {
	driver    Driver
	staticDir string
	logger    *log.Logger

	// ctx bounds commands submitted over the WebSocket.
	ctx    context.Context
	cancel context.CancelFunc

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	subID  string

	// gone is closed when the client disconnects. send is never closed.
	gone      chan struct{}
	closeOnce sync.Once
}

// New creates a new realtime server. A nil logger uses the standard logger.
func New(driver Driver, staticDir string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		driver:    driver,
		staticDir: staticDir,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*client]bool),
	}
}

// Close abandons commands submitted over the WebSocket that are still
// waiting for the program.
func (s *Server) Close() {
	s.cancel()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /records", s.handleListRecords)
	mux.HandleFunc("GET /records/{index}", s.handleGetRecord)
	mux.HandleFunc("GET /output", s.handleGetOutput)
	mux.HandleFunc("GET /output/{index}", s.handleGetOutput)
	mux.HandleFunc("GET /session", s.handleGetSession)
	mux.HandleFunc("DELETE /session", s.handleDeleteSession)
	mux.HandleFunc("GET /files", s.handleGetFiles)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		gone:   make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send current session state to new client.
	s.sendMessage(c, protocol.TypeSessionUpdate, sessionUpdate(s.driver.Info()))

	go c.writePump()

	// Replay recent output, then stream.
	s.subscribeClient(c)

	go c.readPump()
}

// trySend queues data for the client, dropping it if the client is gone or
// its buffer is full.
func (c *client) trySend(data []byte) {
	select {
	case <-c.gone:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

// deliver queues data for the client, waiting for room in its buffer. It
// reports false if the client went away first.
func (c *client) deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.gone:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.gone) })
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.gone:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if c.subID != "" {
		s.driver.Unsubscribe(c.subID)
	}
	c.close()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeCommandExecute:
		payload, _ := protocol.ParseCommandExecute(msg.Payload)
		// Commands block until the program goes idle; keep reading meanwhile.
		go s.handleWSExecute(c, payload)
	case protocol.TypeOutputRequest:
		s.handleWSOutput(c, msg)
	case protocol.TypeSessionShutdown:
		s.handleWSShutdown(msg)
	case protocol.TypeFilesRequestTree:
		s.handleWSFilesTree(c)
	}
}

func (s *Server) handleWSExecute(c *client, payload protocol.CommandExecutePayload) {
	if _, err := s.execute(s.ctx, payload); err != nil {
		_, code := errorStatus(err)
		s.sendError(c, code, err.Error())
	}
}

func (s *Server) handleWSOutput(c *client, msg *protocol.Message) {
	var payload protocol.OutputRequestPayload
	json.Unmarshal(msg.Payload, &payload)

	data, err := s.driver.OutputBlock(payload.Index)
	if err != nil {
		_, code := errorStatus(err)
		s.sendError(c, code, err.Error())
		return
	}
	s.sendMessage(c, protocol.TypeOutputBlock, protocol.OutputBlockPayload{
		SessionID: s.driver.Info().ID,
		Index:     payload.Index,
		Data:      data,
	})
}

func (s *Server) handleWSShutdown(msg *protocol.Message) {
	var payload protocol.SessionShutdownPayload
	json.Unmarshal(msg.Payload, &payload)
	s.shutdown(payload.Force)
}

func (s *Server) handleWSFilesTree(c *client) {
	s.sendMessage(c, protocol.TypeFilesTree, protocol.FilesTreePayload{
		SessionID: s.driver.Info().ID,
		Tree:      watcher.BuildFileTree(s.driver.ProgramDir(), fileTreeDepth),
	})
}

// execute runs a command and tells every client about the new record.
func (s *Server) execute(ctx context.Context, payload protocol.CommandExecutePayload) (ledger.Record, error) {
	rec, err := s.driver.Execute(ctx, payload.Command, session.ExecOptions{
		IdleCPU:  payload.IdleCPU,
		PollTime: time.Duration(payload.PollTimeMs) * time.Millisecond,
	})
	if err != nil {
		s.logger.Printf("execute %q: %v", ledger.NormalizeCommand(payload.Command), err)
		s.broadcastSessionUpdate()
		return rec, err
	}

	msg, err := protocol.NewMessage(protocol.TypeCommandRecorded, commandRecorded(s.driver.Info().ID, rec))
	if err == nil {
		s.broadcast(msg)
	}
	s.broadcastSessionUpdate()
	return rec, nil
}

func (s *Server) shutdown(force bool) error {
	err := s.driver.Shutdown(force)
	s.broadcastSessionUpdate()
	return err
}

// broadcastSessionUpdate sends the session state to all connected clients.
func (s *Server) broadcastSessionUpdate() {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(s.driver.Info()))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.trySend(data)
	}
}

// subscribeClient streams session output to a client, starting with the
// output captured before it connected. Output events wait for room in the
// client's buffer rather than being dropped.
func (s *Server) subscribeClient(c *client) {
	subID, ch, history := s.driver.Subscribe()
	c.subID = subID

	go func() {
		for _, event := range history {
			s.sendOutputEvent(c, event)
		}
		// Forward new events until Unsubscribe closes ch. Once the client
		// is gone the events are drained and discarded.
		for event := range ch {
			s.sendOutputEvent(c, event)
		}
	}()
}

func (s *Server) sendOutputEvent(c *client, event pipeline.OutputEvent) {
	sessionID := s.driver.Info().ID

	if event.Type == pipeline.OutputExit {
		exitCode := 0
		fmt.Sscanf(event.Data, "exit_code:%d", &exitCode)
		s.deliverMessage(c, protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
			SessionID: sessionID,
			ExitCode:  exitCode,
		})
		return
	}

	s.deliverMessage(c, protocol.TypeSessionOutput, protocol.SessionOutputPayload{
		SessionID: sessionID,
		Stream:    string(event.Type),
		Data:      event.Data,
	})
}

func (s *Server) sendMessage(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.trySend(data)
}

func (s *Server) deliverMessage(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.deliver(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.trySend(data)
}

func sessionUpdate(info session.Info) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:         info.ID,
		State:      string(info.State),
		PID:        info.PID,
		LoadedFile: info.LoadedFile,
		Threads:    info.Threads,
		Processors: info.Processors,
		IdleCPU:    info.IdleCPU,
		Records:    info.Records,
		OutputLen:  info.OutputLen,
		CreatedAt:  info.CreatedAt.Format(time.RFC3339Nano),
	}
}

func commandRecorded(sessionID string, rec ledger.Record) protocol.CommandRecordedPayload {
	return protocol.CommandRecordedPayload{
		SessionID:  sessionID,
		Index:      rec.Index,
		Command:    rec.Command,
		Start:      rec.Span.Start,
		End:        rec.Span.End,
		Samples:    len(rec.History),
		DurationMs: rec.Duration().Milliseconds(),
		Artifacts:  rec.Artifacts,
	}
}

// errorStatus maps a session error to an HTTP status and protocol error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, protocol.ErrSessionBusy
	case errors.Is(err, session.ErrNotReady):
		return http.StatusConflict, protocol.ErrSessionNotReady
	case errors.Is(err, session.ErrProcessGone), errors.Is(err, session.ErrPipeClosed):
		return http.StatusGone, protocol.ErrSessionTerminated
	case errors.Is(err, session.ErrIndex), errors.Is(err, session.ErrRange):
		return http.StatusNotFound, protocol.ErrIndexOutOfRange
	default:
		return http.StatusInternalServerError, protocol.ErrExecuteFailed
	}
}
