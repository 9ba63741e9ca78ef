// Package proxy implements the router-proxy side of spec.md §6.2: the
// HELLO, VERIFY, DELETE and GOODBYE messages, framed as JSON over one
// gorilla/websocket connection per proxy, served off a go-chi/chi mux
// alongside /healthz and /metrics. SIGN is not handled: the read loop
// logs it as an unknown message type and sends no reply.
//
// Wire framing itself is explicitly out of spec.md's scope (§1); this
// is the concrete-but-swappable transport the expanded spec calls for.
// The conn read/write-loop shape is carried over from
// stages/websocket.go's serverHandle/connReader/connWriter, restructured
// onto a session-per-proxy-id model instead of a broadcast-to-all-conns
// model (each router proxy gets its own notification stream, not a
// shared fanout).
package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nist-bgp/srx-valcache/internal/coordinator"
	"github.com/nist-bgp/srx-valcache/internal/metrics"
	"github.com/nist-bgp/srx-valcache/internal/prefix"
	"github.com/nist-bgp/srx-valcache/internal/updateid"
	"github.com/nist-bgp/srx-valcache/internal/verdict"
)

// ErrorCode is the spec.md §6.2 proxy error taxonomy.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrDuplicateProxyID
	ErrUnknownAlgorithm
	ErrUnknownUpdate
	ErrConnectionLost
	ErrCouldNotSend
	ErrServerError
)

// wireMsg is the JSON envelope every proxy message is framed in; Type
// selects which of the payload fields is meaningful.
type wireMsg struct {
	Type string `json:"type"`

	// HELLO
	ProxyID   string   `json:"proxy_id,omitempty"`
	ProxyASN  uint32   `json:"proxy_asn,omitempty"`
	PeerASNs  []uint32 `json:"peer_asns,omitempty"`

	// HELLO_RESPONSE
	KeepWindow int `json:"keep_window,omitempty"`

	// ERROR
	Code ErrorCode `json:"code,omitempty"`
	Sub  string    `json:"sub,omitempty"`

	// VERIFY
	LocalID       uint32 `json:"local_id,omitempty"`
	DoOrigin      bool   `json:"do_origin,omitempty"`
	DoPath        bool   `json:"do_path,omitempty"`
	Receipt       bool   `json:"receipt,omitempty"`
	DefaultResult string `json:"default_result,omitempty"`
	PrefixStr     string `json:"prefix,omitempty"`
	OriginASN     uint32 `json:"origin_asn,omitempty"`
	BGPsecFlags   byte   `json:"bgpsec_flags,omitempty"`
	BGPsecBlob    []byte `json:"bgpsec_blob,omitempty"`

	// VERIFY_NOTIFY
	UpdateID     uint32 `json:"update_id,omitempty"`
	OriginResult string `json:"origin_result,omitempty"`
	PathResult   string `json:"path_result,omitempty"`

	// SIGN
	PrependCount int    `json:"prepend_count,omitempty"`
	PeerASN      uint32 `json:"peer_asn,omitempty"`

	// DELETE / GOODBYE share KeepWindow/UpdateID above
}

// session is one connected router proxy.
type session struct {
	proxyID string
	conn    *websocket.Conn
	send    chan wireMsg
	limiter *rate.Limiter
	closed  chan struct{}
}

// Server hosts the router-proxy websocket endpoint plus /healthz and
// /metrics, and implements coordinator.Notifier to push VERIFY_NOTIFY
// messages back to the owning session.
type Server struct {
	log   zerolog.Logger
	coord *coordinator.Coordinator
	mx    *metrics.Metrics

	verifyRate float64 // tokens/sec per session; 0 disables limiting

	mu       sync.RWMutex
	sessions map[string]*session

	upgrader websocket.Upgrader
}

// NewServer builds a proxy server. verifyRate <=0 means unlimited.
func NewServer(log zerolog.Logger, coord *coordinator.Coordinator, mx *metrics.Metrics, verifyRate float64) *Server {
	return &Server{
		log:        log.With().Str("component", "proxy").Logger(),
		coord:      coord,
		mx:         mx,
		verifyRate: verifyRate,
		sessions:   make(map[string]*session),
		upgrader:   websocket.Upgrader{HandshakeTimeout: 10 * time.Second},
	}
}

// Handler builds the chi mux for /ws (proxy upgrade), /healthz, /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mx.WritePrometheus(w)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		conn.Close()
		return
	}
	s.log.Info().Str("proxy_id", sess.proxyID).Str("remote", r.RemoteAddr).Msg("proxy connected")

	go s.writeLoop(sess)
	s.readLoop(sess)
}

// handshake reads the first message, expecting HELLO, and registers
// the session under its proxy_id (spec.md §6.2 HELLO -> HELLO_RESPONSE
// / ERROR(DUPLICATE_PROXY_ID)).
func (s *Server) handshake(conn *websocket.Conn) (*session, error) {
	var m wireMsg
	if err := conn.ReadJSON(&m); err != nil {
		return nil, err
	}

	sess := &session{
		proxyID: m.ProxyID,
		conn:    conn,
		send:    make(chan wireMsg, 32),
		closed:  make(chan struct{}),
	}
	if s.verifyRate > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(s.verifyRate), int(s.verifyRate)+1)
	}

	s.mu.Lock()
	if _, exists := s.sessions[m.ProxyID]; exists {
		s.mu.Unlock()
		conn.WriteJSON(wireMsg{Type: "ERROR", Code: ErrDuplicateProxyID})
		return nil, errDuplicateProxy
	}
	s.sessions[m.ProxyID] = sess
	s.mu.Unlock()

	conn.WriteJSON(wireMsg{Type: "HELLO_RESPONSE", KeepWindow: 60})
	return sess, nil
}

func (s *Server) readLoop(sess *session) {
	defer s.removeSession(sess)

	for {
		var m wireMsg
		if err := sess.conn.ReadJSON(&m); err != nil {
			s.log.Info().Err(err).Str("proxy_id", sess.proxyID).Msg("proxy reader finished")
			return
		}

		switch m.Type {
		case "VERIFY":
			s.handleVerify(sess, m)
		case "DELETE":
			s.coord.DeleteUpdate(updateid.ID(m.UpdateID))
		case "GOODBYE":
			return
		default:
			s.log.Warn().Str("proxy_id", sess.proxyID).Str("type", m.Type).Msg("unknown message type")
		}
	}
}

func (s *Server) handleVerify(sess *session, m wireMsg) {
	if sess.limiter != nil && !sess.limiter.Allow() {
		s.log.Warn().Str("proxy_id", sess.proxyID).Msg("VERIFY rate limited")
		return
	}

	pfx, err := prefix.Parse(m.PrefixStr)
	if err != nil {
		s.log.Warn().Err(err).Str("proxy_id", sess.proxyID).Msg("VERIFY with invalid prefix")
		return
	}

	req := coordinator.VerifyRequest{
		ProxyID:     sess.proxyID,
		LocalID:     m.LocalID,
		DoOrigin:    m.DoOrigin,
		DoPath:      m.DoPath,
		Prefix:      pfx,
		OriginASN:   m.OriginASN,
		BGPsecFlags: m.BGPsecFlags,
		BGPsecBlob:  m.BGPsecBlob,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	result, err := s.coord.Verify(ctx, req)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Str("proxy_id", sess.proxyID).Msg("verify failed")
		return
	}
	if s.mx != nil {
		s.mx.ObserveVerify(result.OriginResult, result.PathResult)
	}

	s.send(sess, wireMsg{
		Type:         "VERIFY_NOTIFY",
		UpdateID:     uint32(result.UpdateID),
		LocalID:      result.LocalID,
		OriginResult: externalVerdict(result.OriginResult),
		PathResult:   externalVerdict(result.PathResult),
	})
}

// Notify implements coordinator.Notifier: deliver an asynchronous
// VERIFY_NOTIFY to the router that owns proxyID, if still connected.
func (s *Server) Notify(proxyID string, n coordinator.VerifyNotify) {
	s.mu.RLock()
	sess, ok := s.sessions[proxyID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.send(sess, wireMsg{
		Type:         "VERIFY_NOTIFY",
		UpdateID:     uint32(n.UpdateID),
		LocalID:      n.LocalID,
		OriginResult: externalVerdict(n.OriginResult),
		PathResult:   externalVerdict(n.PathResult),
	})
}

// externalVerdict maps the internal verdict enum to its wire string,
// refusing to let verdict.DoNotUse ever cross the proxy boundary
// (spec.md §3: "MUST NOT cross the external interface").
func externalVerdict(v verdict.Verdict) string {
	if v.IsDoNotUse() {
		return verdict.Undefined.String()
	}
	return v.String()
}

func (s *Server) send(sess *session, m wireMsg) {
	select {
	case sess.send <- m:
	case <-sess.closed:
	default:
		s.log.Warn().Str("proxy_id", sess.proxyID).Msg("send buffer full, dropping notification")
	}
}

func (s *Server) writeLoop(sess *session) {
	for {
		select {
		case m, ok := <-sess.send:
			if !ok {
				return
			}
			if err := sess.conn.WriteJSON(m); err != nil {
				s.log.Warn().Err(err).Str("proxy_id", sess.proxyID).Msg("write error")
				return
			}
		case <-sess.closed:
			return
		}
	}
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.proxyID] == sess {
		delete(s.sessions, sess.proxyID)
	}
	s.mu.Unlock()
	close(sess.closed)
	if sess.conn != nil {
		sess.conn.Close()
	}
}

var errDuplicateProxy = &proxyError{"duplicate proxy id"}

type proxyError struct{ msg string }

func (e *proxyError) Error() string { return e.msg }
