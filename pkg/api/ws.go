package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mazuadm/mazuadm/pkg/events"
	"github.com/mazuadm/mazuadm/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is one live WebSocket subscriber
type wsConn struct {
	ClientIP    string
	ClientName  string
	User        string
	ConnectedAt time.Time
	sub         *events.Subscription
}

// wsConnInfo is the JSON projection of a connection
type wsConnInfo struct {
	ID               string    `json:"id"`
	ClientIP         string    `json:"client_ip"`
	ClientName       string    `json:"client_name"`
	User             string    `json:"user"`
	SubscribedEvents []string  `json:"subscribed_events"`
	ConnectedAt      time.Time `json:"connected_at"`
	DurationSecs     int64     `json:"duration_secs"`
}

// clientMessage is the live subscription-update protocol
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func validUser(user string) bool {
	if len(user) < 3 || len(user) > 16 {
		return false
	}
	for _, c := range user {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// clientIP derives the caller address: the ip_headers setting names proxy
// headers to consult in order; the first non-empty value's first
// comma-separated token wins, else the socket peer.
func (s *Server) clientIP(r *http.Request) string {
	headers := s.settings.IPHeaders(r.Context())
	for _, name := range splitCSV(headers) {
		value := r.Header.Get(name)
		if value == "" {
			continue
		}
		ip := strings.TrimSpace(strings.Split(value, ",")[0])
		if ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	clientName := q.Get("client")
	if clientName == "" {
		clientName = "unknown"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !validUser(user) {
		msg := "User must be 3-16 alphanumeric characters"
		if user == "" {
			msg = "Missing required 'user' parameter"
		}
		_ = conn.WriteJSON(events.Message{Type: "error", Data: map[string]string{"message": msg}})
		_ = conn.Close()
		return
	}

	var filter []string
	if raw := q.Get("events"); raw != "" {
		filter = splitCSV(raw)
	}
	sub := s.bus.Subscribe(filter)

	connID := uuid.New()
	clientIP := s.clientIP(r)
	s.wsMu.Lock()
	s.wsConns[connID] = &wsConn{
		ClientIP:    clientIP,
		ClientName:  clientName,
		User:        user,
		ConnectedAt: time.Now(),
		sub:         sub,
	}
	s.wsMu.Unlock()
	metrics.WSConnections.Inc()
	s.broadcastWSConnections()

	defer func() {
		s.bus.Unsubscribe(sub)
		s.wsMu.Lock()
		delete(s.wsConns, connID)
		s.wsMu.Unlock()
		metrics.WSConnections.Dec()
		s.broadcastWSConnections()
		_ = conn.Close()
	}()

	// Reader: subscription updates from the client
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Action {
			case "subscribe":
				sub.Add(msg.Events)
			case "unsubscribe":
				sub.Remove(msg.Events)
			default:
				continue
			}
			s.broadcastWSConnections()
		}
	}()

	// Writer: fan events out to the socket
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if sub.TakeLagged() {
				_ = conn.WriteJSON(events.Message{Type: "lagged", Data: nil})
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func (s *Server) wsConnectionInfos() []wsConnInfo {
	now := time.Now()
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()

	infos := make([]wsConnInfo, 0, len(s.wsConns))
	for id, c := range s.wsConns {
		infos = append(infos, wsConnInfo{
			ID:               id.String(),
			ClientIP:         c.ClientIP,
			ClientName:       c.ClientName,
			User:             c.User,
			SubscribedEvents: c.sub.Filter(),
			ConnectedAt:      c.ConnectedAt,
			DurationSecs:     int64(now.Sub(c.ConnectedAt).Seconds()),
		})
	}
	return infos
}

func (s *Server) broadcastWSConnections() {
	s.bus.Publish(events.EventWSConnections, s.wsConnectionInfos())
}

func (s *Server) listWSConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.wsConnectionInfos())
}
