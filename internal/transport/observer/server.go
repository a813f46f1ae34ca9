package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"simbridge.ai/internal/bridge"
	"simbridge.ai/internal/observerproto"
)

const subscriberBuffer = 256

// Server streams tick results to loopback WebSocket subscribers and serves
// scheduler stats. It is a bridge.ResultSink; a slow subscriber loses its
// oldest queued messages instead of holding up ticks.
type Server struct {
	sched *bridge.Scheduler
	sinks func() map[string]any
	log   *slog.Logger
	start time.Time

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	out chan []byte

	mu     sync.Mutex
	agents map[string]bool
}

func (s *subscriber) wants(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents) == 0 || s.agents[agentID]
}

func (s *subscriber) setFilter(agents []string) {
	m := map[string]bool{}
	for _, a := range agents {
		if a = strings.TrimSpace(a); a != "" {
			m[a] = true
		}
	}
	s.mu.Lock()
	s.agents = m
	s.mu.Unlock()
}

// NewServer builds a telemetry server for sched. sinks, if set, reports extra
// counters for /v1/stats.
func NewServer(sched *bridge.Scheduler, sinks func() map[string]any, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sched: sched,
		sinks: sinks,
		log:   logger,
		start: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		subs: map[string]*subscriber{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/stats", s.StatsHandler())
	mux.HandleFunc("/v1/ticks/ws", s.WSHandler())
	return mux
}

// ObserveTick fans res out to every subscriber whose filter matches.
func (s *Server) ObserveTick(res bridge.TickResult) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.wants(res.AgentID) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	b, err := json.Marshal(observerproto.TickResultMsg{
		Type:            observerproto.TypeTickResult,
		ProtocolVersion: observerproto.Version,
		Result:          res,
	})
	if err != nil {
		return
	}
	for _, sub := range targets {
		if sendLatest(sub.out, b) {
			s.sent.Add(1)
		} else {
			s.dropped.Add(1)
		}
	}
}

func (s *Server) Stats() observerproto.StreamStats {
	s.mu.Lock()
	n := len(s.subs)
	s.mu.Unlock()
	return observerproto.StreamStats{Subscribers: n, Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *Server) StatsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := observerproto.StatsResponse{
			ProtocolVersion: observerproto.Version,
			UptimeSec:       int64(time.Since(s.start).Seconds()),
			Agents:          []observerproto.AgentStats{},
			Stream:          s.Stats(),
		}
		if s.sched != nil {
			resp.Scheduler = s.sched.Stats()
			for _, h := range s.sched.Agents() {
				c, ok := s.sched.Coordinator(h.ID)
				if !ok {
					continue
				}
				resp.Agents = append(resp.Agents, observerproto.AgentStats{
					ID:        h.ID,
					PersistID: h.PersistID,
					State:     c.State().String(),
					Ticks:     c.Stats(),
				})
			}
		}
		if s.sinks != nil {
			resp.Sinks = s.sinks()
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("T%d", s.nextID.Add(1))
		out := &subscriber{out: make(chan []byte, subscriberBuffer)}
		out.setFilter(sub.Agents)

		hello := observerproto.HelloMsg{
			Type:            observerproto.TypeHello,
			ProtocolVersion: observerproto.Version,
			SessionID:       sid,
			Agents:          []string{},
		}
		if s.sched != nil {
			hello.ThinkEveryMs = s.sched.ThinkEvery().Milliseconds()
			for _, h := range s.sched.Agents() {
				hello.Agents = append(hello.Agents, h.ID)
			}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(hello); err != nil {
			return
		}

		s.mu.Lock()
		s.subs[sid] = out
		s.mu.Unlock()
		s.log.Debug("telemetry subscriber joined", "session", sid, "agents", sub.Agents)
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
			s.log.Debug("telemetry subscriber left", "session", sid)
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				out.setFilter(sub.Agents)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

// sendLatest enqueues b, dropping the oldest queued message when full. It
// reports false when something was dropped.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
