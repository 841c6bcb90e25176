package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"partbatch/internal/batch"
	"partbatch/internal/batchfile"
	"partbatch/internal/host"
	"partbatch/internal/protocol"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufCap    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Options configures a Server.
type Options struct {
	// StaticDir, if set, is served at /.
	StaticDir string
	// Collisions is the filename collision policy for submitted batches
	// that do not name one.
	Collisions batch.CollisionPolicy
	Logger     *slog.Logger
}

// Server manages WebSocket connections and routes messages between
// clients and the batch runner.
type Server struct {
	runner     *batch.Runner
	staticDir  string
	collisions batch.CollisionPolicy
	logger     *slog.Logger

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which batch subscriptions exist per client.
	// key: client, value: map[batchID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// enqueue queues data for the write pump, dropping it when the client is
// gone or its buffer is full.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// New creates a new realtime server.
func New(runner *batch.Runner, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Collisions == "" {
		opts.Collisions = batch.CollisionSuffix
	}
	return &Server{
		runner:        runner,
		staticDir:     opts.StaticDir,
		collisions:    opts.Collisions,
		logger:        logger,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /batches", s.handleListBatches)
	mux.HandleFunc("GET /batches/{id}", s.handleGetBatch)
	mux.HandleFunc("POST /dimensions", s.handleExtractDimensions)

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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		s.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufCap),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// A client that connects mid-batch gets the batch and its recent history.
	if id, ok := s.runner.Active(); ok {
		if sum, err := s.runner.Get(id); err == nil {
			s.send(c, protocol.TypeBatchUpdate, updatePayload(sum))
		}
		s.subscribeClient(c, id)
	}

	go c.writePump()
	go c.readPump()
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
				c.server.logger.Warn("websocket read error", "error", err)
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

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

	// Unsubscribe from all batch streams.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for batchID, subID := range subs {
		s.runner.Unsubscribe(batchID, subID)
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
	case protocol.TypeBatchSubmit:
		s.handleWSSubmit(c, msg)
	case protocol.TypeBatchSubscribe:
		s.handleWSSubscribe(c, msg)
	case protocol.TypeDimensionsExtract:
		s.handleWSExtract(c, msg)
	}
}

func (s *Server) handleWSSubmit(c *client, msg *protocol.Message) {
	sum, v, err := s.submit(msg.Payload)
	if err != nil {
		if len(v.Rejected) > 0 {
			s.send(c, protocol.TypeBatchValidation, validationPayload("", v))
		}
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	if len(v.Rejected) > 0 || len(v.Renamed) > 0 {
		s.send(c, protocol.TypeBatchValidation, validationPayload(sum.ID, v))
	}
}

func (s *Server) handleWSSubscribe(c *client, msg *protocol.Message) {
	var payload protocol.BatchIDPayload
	json.Unmarshal(msg.Payload, &payload)

	sum, err := s.runner.Get(payload.BatchID)
	if err != nil {
		s.sendError(c, protocol.ErrBatchNotFound, err.Error())
		return
	}
	s.send(c, protocol.TypeBatchUpdate, updatePayload(sum))
	s.subscribeClient(c, payload.BatchID)
}

func (s *Server) handleWSExtract(c *client, msg *protocol.Message) {
	var payload protocol.DimensionsExtractPayload
	json.Unmarshal(msg.Payload, &payload)

	// Extraction blocks for up to the macro timeout; keep the read pump free.
	go func() {
		logf := func(line string) {
			s.send(c, protocol.TypeDimensionsLog, protocol.DimensionsLogPayload{Part: payload.Part, Line: line})
		}
		dims, err := s.runner.Catalog(context.Background(), payload.Part, logf)
		if err != nil {
			s.sendError(c, errorCode(err), err.Error())
			return
		}
		s.send(c, protocol.TypeDimensionsResult, protocol.DimensionsResultPayload{
			Part:       payload.Part,
			Dimensions: dims,
		})
	}()
}

// submit decodes a JSON batch, validates it and hands it to the runner. On
// success every connected client is told about the batch and subscribed to
// its events.
func (s *Server) submit(body []byte) (batch.Summary, batch.Validation, error) {
	f, err := batchfile.Parse(body, batchfile.EncodingJSON, "request")
	if err != nil {
		return batch.Summary{}, batch.Validation{}, errors.Join(batch.ErrInvalidRequest, err)
	}
	req, v, err := f.Request(s.collisions)
	if err != nil {
		return batch.Summary{}, v, err
	}
	sum, err := s.runner.Submit(req)
	if err != nil {
		return batch.Summary{}, v, err
	}

	s.broadcastMessage(protocol.TypeBatchUpdate, updatePayload(sum))
	s.subscribeAllClients(sum.ID)
	return sum, v, nil
}

// broadcastMessage sends a message to all connected clients.
func (s *Server) broadcastMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
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
		c.enqueue(data)
	}
}

// subscribeAllClients subscribes all connected clients to a batch's events.
func (s *Server) subscribeAllClients(batchID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, batchID)
	}
}

// subscribeClient subscribes a single client to a batch's events.
func (s *Server) subscribeClient(c *client, batchID string) {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return
	}
	if _, exists := subs[batchID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.runner.Subscribe(batchID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	subs, connected = s.subscriptions[c]
	_, raced := subs[batchID]
	if !connected || raced {
		s.subscriptionsMu.Unlock()
		s.runner.Unsubscribe(batchID, subID)
		return
	}
	subs[batchID] = subID
	s.subscriptionsMu.Unlock()

	// Send history.
	for _, ev := range history {
		s.sendEvent(c, ev)
	}

	// Forward new events until the batch is done.
	go func() {
		for ev := range ch {
			s.sendEvent(c, ev)
		}
		s.subscriptionsMu.Lock()
		if subs, ok := s.subscriptions[c]; ok && subs[batchID] == subID {
			delete(subs, batchID)
		}
		s.subscriptionsMu.Unlock()
	}()
}

func (s *Server) sendEvent(c *client, ev batch.Event) {
	switch ev.Kind {
	case batch.EventProgress:
		s.send(c, protocol.TypeBatchProgress, protocol.BatchProgressPayload{
			BatchID: ev.BatchID,
			Row:     ev.Row,
			Status:  ev.Status,
		})
	case batch.EventLog:
		s.send(c, protocol.TypeBatchLog, protocol.BatchLogPayload{
			BatchID: ev.BatchID,
			Line:    ev.Line,
		})
	case batch.EventDone:
		payload := protocol.BatchDonePayload{BatchID: ev.BatchID}
		if sum, err := s.runner.Get(ev.BatchID); err == nil {
			payload.State = string(sum.State)
			payload.Exported = len(sum.Artifacts)
			payload.Failed = sum.Failed
			payload.Crashed = sum.Crashed
		}
		s.send(c, protocol.TypeBatchDone, payload)
	}
}

func (s *Server) send(c *client, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func updatePayload(sum batch.Summary) protocol.BatchUpdatePayload {
	return protocol.BatchUpdatePayload{
		BatchID:        sum.ID,
		State:          string(sum.State),
		Part:           sum.Part,
		Format:         string(sum.Format),
		Configurations: sum.Configurations,
		Running:        sum.Running(),
		HistoryDropped: sum.HistoryDropped,
		CreatedAt:      sum.CreatedAt.Format(time.RFC3339Nano),
	}
}

func validationPayload(batchID string, v batch.Validation) protocol.BatchValidationPayload {
	p := protocol.BatchValidationPayload{
		BatchID:  batchID,
		Rejected: make([]protocol.RejectedRow, 0, len(v.Rejected)),
		Renamed:  v.Renamed,
	}
	for _, r := range v.Rejected {
		p.Rejected = append(p.Rejected, protocol.RejectedRow{Row: r.Row, Status: r.Status, Message: r.Err.Error()})
	}
	if len(p.Renamed) == 0 {
		p.Renamed = nil
	}
	return p
}

// errorCode maps an error to its protocol error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, batch.ErrBatchRunning):
		return protocol.ErrBatchRunning
	case errors.Is(err, batch.ErrBatchNotFound):
		return protocol.ErrBatchNotFound
	case errors.Is(err, host.ErrConnectionFailed),
		errors.Is(err, host.ErrNotFound),
		errors.Is(err, host.ErrOpenFailed),
		errors.Is(err, host.ErrMacroExecutionFailed),
		errors.Is(err, host.ErrMacroTimeout):
		return protocol.ErrExtractionFailed
	default:
		return protocol.ErrInvalidBatch
	}
}
