package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/calaider/calaider/internal/analysis"
	"github.com/calaider/calaider/internal/applog"
	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/types"
)

// Request types accepted from observers (the extension popup or content
// contexts). Every request carries an id the response echoes back.
const (
	MsgStartAnalysis     = "START_ANALYSIS"
	MsgCancelAnalysis    = "CANCEL_ANALYSIS"
	MsgGetAnalysisStatus = "GET_ANALYSIS_STATUS"
	MsgClearAnalysis     = "CLEAR_ANALYSIS"
	MsgGetCachedEvents   = "GET_CACHED_EVENTS"
	MsgSetDetectedEvents = "SET_DETECTED_EVENTS"
	MsgExtractEvents     = "EXTRACT_EVENTS"
	MsgExportICS         = "EXPORT_ICS"
)

// Push and response types sent to observers.
const (
	MsgResponse         = "RESPONSE"
	MsgAnalysisProgress = "ANALYSIS_PROGRESS"
	MsgExtractProgress  = "EXTRACT_PROGRESS"
	MsgExtractResult    = "EXTRACT_RESULT"
)

// IncomingMsg is a message from an observer to the analysis host.
type IncomingMsg struct {
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"`
	URL          string         `json:"url,omitempty"`
	Payload      string         `json:"payload,omitempty"` // raw page-text payload to segment
	Items        []string       `json:"items,omitempty"`   // pre-split section texts
	ForceRefresh bool           `json:"forceRefresh,omitempty"`
	Text         string         `json:"text,omitempty"`   // EXTRACT_EVENTS input
	Events       []schema.Event `json:"events,omitempty"` // SET_DETECTED_EVENTS replacement list
}

// OutgoingMsg is a response or push from the host to the observer.
type OutgoingMsg struct {
	Type           string                 `json:"type"`
	ID             string                 `json:"id,omitempty"`
	URL            string                 `json:"url,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Error          string                 `json:"error,omitempty"`
	IsRunning      *bool                  `json:"isRunning,omitempty"`
	Session        *types.AnalysisSession `json:"session,omitempty"`
	DetectedEvents []schema.Event         `json:"detectedEvents,omitempty"`
	Events         []schema.Event         `json:"events,omitempty"`
	Timestamp      *time.Time             `json:"timestamp,omitempty"`
	Fresh          *bool                  `json:"fresh,omitempty"`
	ICS            string                 `json:"ics,omitempty"`
	Progress       *float64               `json:"progress,omitempty"`
	CurrentItem    *int                   `json:"currentItem,omitempty"`
	TotalItems     *int                   `json:"totalItems,omitempty"`
	ModelProgress  *float64               `json:"modelProgress,omitempty"`
	IsExtracting   *bool                  `json:"isExtracting,omitempty"`
}

// Handler processes one decoded observer request and returns the reply.
type Handler interface {
	Handle(ctx context.Context, msg IncomingMsg, push func(OutgoingMsg)) OutgoingMsg
}

// Server manages the WebSocket connection to the extension and dispatches
// observer requests to the handler. Pushes are best-effort: with no observer
// connected they are silently dropped, never queued.
type Server struct {
	port    int
	handler Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	connCtx context.Context
}

// New creates a new Server.
func New(port int, handler Handler) *Server {
	return &Server{port: port, handler: handler}
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Connected reports whether an observer is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send sends a message to the connected observer. A missing connection is
// not an error; delivery is at-least-once only while someone is listening,
// and observers reconcile via GET_ANALYSIS_STATUS on reconnect.
func (s *Server) Send(msg OutgoingMsg) error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Broadcast forwards an orchestrator progress update to the observer as an
// ANALYSIS_PROGRESS push. Observers filter by url themselves.
func (s *Server) Broadcast(p analysis.Progress) {
	err := s.Send(OutgoingMsg{
		Type:           MsgAnalysisProgress,
		URL:            p.URL,
		Status:         p.Status,
		CurrentItem:    p.CurrentItem,
		TotalItems:     p.TotalItems,
		ModelProgress:  p.ModelProgress,
		DetectedEvents: p.DetectedEvents,
		IsExtracting:   p.IsExtracting,
	})
	if err != nil {
		applog.Error("ws.broadcast", err, "url", p.URL)
	}
}

// HTTPHandler returns an http.Handler that accepts WebSocket upgrades.
// A new connection replaces any existing one.
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			applog.Error("ws.accept", err)
			return
		}

		conn.SetReadLimit(1 << 20) // 1 MB — payloads are capped at 50 KB but allow headroom

		ctx := r.Context()
		s.mu.Lock()
		if s.conn != nil {
			applog.Info("ws.replaced")
			s.conn.CloseNow()
		}
		s.conn = conn
		s.connCtx = ctx
		s.mu.Unlock()

		applog.Info("ws.connected", "remote", r.RemoteAddr)

		defer func() {
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
				s.connCtx = nil
			}
			s.mu.Unlock()
			conn.CloseNow()
			applog.Info("ws.disconnected")
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg IncomingMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				applog.Error("ws.parse", err)
				continue
			}
			applog.Info("ws.recv", "type", msg.Type, "id", msg.ID, "url", msg.URL)

			// Requests must not block the read loop: a long extraction
			// would stall cancel messages behind it.
			go func(msg IncomingMsg) {
				reply := s.handler.Handle(context.Background(), msg, func(m OutgoingMsg) {
					s.Send(m)
				})
				if reply.ID == "" {
					reply.ID = msg.ID
				}
				if err := s.Send(reply); err != nil {
					applog.Error("ws.send", err, "type", reply.Type)
				}
			}(msg)
		}
	})
}

// ListenAndServe starts the WebSocket server on the configured port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.HTTPHandler())

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	applog.Info("server.start", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return srv.ListenAndServe()
}
