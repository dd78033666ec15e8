package auditsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/storelens/audit-orchestrator/internal/domain"
	"github.com/storelens/audit-orchestrator/internal/rtproto"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 90 * time.Second
)

// Server exposes the simulated record store and audit backend over HTTP plus
// a WebSocket change feed
type Server struct {
	store    *Store
	catalog  *Catalog
	worker   *Worker
	hub      *feedHub
	upgrader websocket.Upgrader

	server *http.Server
	addr   string
}

// NewServer creates a simulator server on the given address
func NewServer(store *Store, catalog *Catalog, addr string) *Server {
	s := &Server{
		store:   store,
		catalog: catalog,
		hub:     newFeedHub(),
		addr:    addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.worker = NewWorker(store, catalog, s.broadcastRecord)
	return s
}

// Handler returns the HTTP handler; exposed for tests
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/collections/", s.collectionsHandler)
	mux.HandleFunc("/api/audits/available", s.availableHandler)
	mux.HandleFunc("/api/audits/latest-session", s.latestSessionHandler)
	mux.HandleFunc("/api/audits/trigger", s.triggerHandler)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start runs the server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	log.Printf("auditsim: listening on %s", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// filterExpr matches one `field = 'value'` clause of a record filter
var filterExpr = regexp.MustCompile(`(\w+)\s*=\s*'([^']*)'`)

func parseFilter(filter string) map[string]string {
	fields := make(map[string]string)
	for _, m := range filterExpr.FindAllStringSubmatch(filter, -1) {
		fields[m[1]] = m[2]
	}
	return fields
}

func (s *Server) collectionsHandler(w http.ResponseWriter, r *http.Request) {
	// Path is /api/collections/{collection}/records[/{id}]
	rest := strings.TrimPrefix(r.URL.Path, "/api/collections/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "records" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	collection := parts[0]

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.listRecords(w, r, collection)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.createRecord(w, r, collection)
	case len(parts) == 3 && r.Method == http.MethodPatch:
		s.updateRecord(w, r, collection, parts[2])
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request, collection string) {
	fields := parseFilter(r.URL.Query().Get("filter"))

	var items []interface{}
	switch collection {
	case "audit_runs":
		runs, err := s.store.ListRuns(RunListOptions{
			SessionID: fields["session_id"],
			AuditType: fields["audit_type"],
			Status:    fields["status"],
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, run := range runs {
			items = append(items, run)
		}
	case "orchestrator_sessions":
		sessions, err := s.store.ListSessions(SessionListOptions{
			SessionID: fields["session_id"],
			Status:    fields["status"],
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, sess := range sessions {
			items = append(items, sess)
		}
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown collection %s", collection))
		return
	}

	if items == nil {
		items = []interface{}{}
	}
	writeJSON(w, map[string]interface{}{"items": items})
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request, collection string) {
	switch collection {
	case "audit_runs":
		var run domain.AuditRun
		if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if run.ID == "" {
			run.ID = uuid.New().String()
		}
		if run.Status == "" {
			run.Status = domain.RunPending
		}
		if run.StartedAt.IsZero() {
			run.StartedAt = time.Now().UTC()
		}
		if err := s.store.SaveRun(&run); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcastRecord(rtproto.ActionCreate, "audit_runs", &run)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &run)

	case "orchestrator_sessions":
		var sess domain.OrchestratorSession
		if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if sess.ID == "" {
			sess.ID = uuid.New().String()
		}
		if sess.Status == "" {
			sess.Status = domain.SessionRunning
		}
		if sess.StartedAt.IsZero() {
			sess.StartedAt = time.Now().UTC()
		}
		if err := s.store.SaveSession(&sess); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcastRecord(rtproto.ActionCreate, "orchestrator_sessions", &sess)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &sess)

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown collection %s", collection))
	}
}

func (s *Server) updateRecord(w http.ResponseWriter, r *http.Request, collection, id string) {
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch collection {
	case "audit_runs":
		run, err := s.store.GetRun(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		if err := mergeFields(run, fields); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SaveRun(run); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcastRecord(rtproto.ActionUpdate, "audit_runs", run)
		writeJSON(w, run)

	case "orchestrator_sessions":
		sess, err := s.store.GetSession(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		if err := mergeFields(sess, fields); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SaveSession(sess); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcastRecord(rtproto.ActionUpdate, "orchestrator_sessions", sess)
		writeJSON(w, sess)

	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown collection %s", collection))
	}
}

// mergeFields applies a partial JSON update onto an existing record
func mergeFields(record interface{}, fields map[string]json.RawMessage) error {
	current, err := json.Marshal(record)
	if err != nil {
		return err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(current, &merged); err != nil {
		return err
	}
	for k, v := range fields {
		merged[k] = v
	}
	combined, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, record)
}

func (s *Server) availableHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, map[string]interface{}{"audits": s.catalog.Definitions()})
}

func (s *Server) latestSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessions, err := s.store.ListSessions(SessionListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(sessions) == 0 {
		writeJSON(w, map[string]interface{}{"session": nil})
		return
	}

	latest := sessions[0]
	runs, err := s.store.ListRuns(RunListOptions{SessionID: latest.SessionID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Newest run per audit type; ListRuns returns newest first
	audits := make(map[string]json.RawMessage)
	for _, run := range runs {
		if _, seen := audits[run.AuditType]; seen {
			continue
		}
		data, err := json.Marshal(run)
		if err != nil {
			continue
		}
		audits[run.AuditType] = data
	}

	writeJSON(w, map[string]interface{}{"session": map[string]interface{}{
		"id":     latest.SessionID,
		"audits": audits,
	}})
}

func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		RecordID  string `json:"recordId"`
		AuditType string `json:"auditType"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AuditType == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "auditType and sessionId are required")
		return
	}

	entry, ok := s.catalog.Get(req.AuditType)
	if !ok || !entry.Available {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("audit %s is not available", req.AuditType))
		return
	}

	// The orchestrator creates the pending record first; adopt it when present
	// so both sides see the same run id.
	runs, err := s.store.ListRuns(RunListOptions{
		SessionID: req.SessionID,
		AuditType: req.AuditType,
		Status:    string(domain.RunPending),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var run *domain.AuditRun
	if len(runs) > 0 {
		run = runs[0]
	} else {
		run = &domain.AuditRun{
			ID:        uuid.New().String(),
			SessionID: req.SessionID,
			AuditType: req.AuditType,
			Status:    domain.RunPending,
			StartedAt: time.Now().UTC(),
		}
		if err := s.store.SaveRun(run); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcastRecord(rtproto.ActionCreate, "audit_runs", run)
	}

	s.worker.Execute(run, entry)
	writeJSON(w, map[string]string{"status": "queued", "runId": run.ID})
}

func (s *Server) broadcastRecord(action, collection string, record interface{}) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	s.hub.Broadcast(collection, rtproto.EventMessage{
		Action:     action,
		Collection: collection,
		Record:     data,
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// feedClient is one connected change feed subscriber
type feedClient struct {
	conn *websocket.Conn

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *feedClient) subscribed(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[collection]
}

func (c *feedClient) setSubscriptions(collections []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[string]bool, len(collections))
	for _, name := range collections {
		c.subscriptions[name] = true
	}
}

func (c *feedClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// feedHub tracks change feed subscribers
type feedHub struct {
	mu      sync.RWMutex
	clients map[*feedClient]bool
}

func newFeedHub() *feedHub {
	return &feedHub{clients: make(map[*feedClient]bool)}
}

func (h *feedHub) add(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *feedHub) remove(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Broadcast sends a change event to every client subscribed to the collection
func (h *feedHub) Broadcast(collection string, ev rtproto.EventMessage) {
	data, err := rtproto.MarshalEnvelope(rtproto.TypeEvent, ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(collection) {
			continue
		}
		if err := c.write(websocket.TextMessage, data); err != nil {
			log.Printf("auditsim: feed write failed: %v", err)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("auditsim: upgrade failed: %v", err)
		return
	}
	go s.handleFeedConnection(conn)
}

func (s *Server) handleFeedConnection(conn *websocket.Conn) {
	client := &feedClient{conn: conn}
	s.hub.add(client)
	defer func() {
		s.hub.remove(client)
		conn.Close()
	}()

	// Protocol-level pings keep idle feeds alive; the client side extends its
	// read deadline on each one.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("auditsim: feed read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var env rtproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("auditsim: invalid feed message: %v", err)
			continue
		}

		switch env.Type {
		case rtproto.TypeSubscribe:
			var sub rtproto.SubscribeMessage
			if err := json.Unmarshal(env.Payload, &sub); err != nil {
				log.Printf("auditsim: invalid subscribe: %v", err)
				continue
			}
			client.setSubscriptions(sub.Collections)

		case rtproto.TypePong:
			// Legacy application-level pong
		}
	}
}
