package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-snaptunnel/internal/capture"
	"github.com/technosupport/ts-snaptunnel/internal/events"
	"github.com/technosupport/ts-snaptunnel/internal/frame"
	"github.com/technosupport/ts-snaptunnel/internal/metrics"
)

const maxWSMessage = 8 << 20 // 8 MiB

// Session is one device WebSocket connection and its state machine:
// NEW -> HELLOED -> AUTHED -> CLOSING. All fields behind mu except id,
// remote and conn, which are set once at accept.
type Session struct {
	id     string
	remote string
	conn   *websocket.Conn
	gw     *Gateway

	writeMu sync.Mutex // serializes ws writes across read loop, proxy pump, close

	mu            sync.Mutex
	deviceID      string
	payloadID     string
	nonce         string
	authed        bool
	captureActive bool
	proxyConn     net.Conn
	tzOffsetHours *int
	helloTimer    *time.Timer
	captureCancel context.CancelFunc
	closed        bool
}

func newSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read failing means the process has bigger problems; a
		// time-derived id keeps the session table consistent.
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:16]
	}
	return hex.EncodeToString(buf)
}

func newSession(gw *Gateway, conn *websocket.Conn, remote string) *Session {
	return &Session{
		id:       newSessionID(),
		remote:   remote,
		conn:     conn,
		gw:       gw,
		deviceID: "unknown",
	}
}

func (s *Session) sendText(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Best-effort: a half-closed socket surfaces on the read side.
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		log.Printf("[Session %s] write %q: %v", s.id, line, err)
	}
}

func (s *Session) sendBinary(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// run is the per-session read loop. It owns every inbound frame; returning
// tears the session down.
func (s *Session) run(ctx context.Context) {
	defer s.close("read_loop_exit")

	s.conn.SetReadLimit(maxWSMessage)

	s.sendText(frame.CmdReady)
	s.armHelloTimer()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Session %s] read: %v", s.id, err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if done := s.handleCommand(ctx, frame.ParseCommand(string(data))); done {
				return
			}
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

func (s *Session) armHelloTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helloTimer = time.AfterFunc(s.gw.cfg.HelloWait, func() {
		log.Printf("[Session %s] no HELLO within %v, closing", s.id, s.gw.cfg.HelloWait)
		// Deliberately no failed event: the peer never identified itself.
		s.close("no_hello")
	})
}

// handleCommand dispatches one text line. Unknown verbs are ignored. A true
// return ends the read loop.
func (s *Session) handleCommand(ctx context.Context, cmd frame.Command) bool {
	switch cmd.Verb {
	case frame.CmdHello:
		return s.handleHello(ctx, cmd.Args)
	case frame.CmdAuth:
		return s.handleAuth(ctx, cmd.Args)
	default:
		return false
	}
}

func (s *Session) handleHello(ctx context.Context, args []string) bool {
	s.mu.Lock()
	if s.nonce != "" {
		s.mu.Unlock()
		return false // repeated HELLO is noise
	}
	if s.helloTimer != nil {
		s.helloTimer.Stop()
	}

	var payloadID, rawDevice string
	switch len(args) {
	case 1:
		rawDevice = args[0]
	case 2:
		payloadID, rawDevice = args[0], args[1]
	default:
		s.mu.Unlock()
		s.gw.emitFailed(s, events.StageHello, "bad_hello")
		s.sendText(frame.FormatCommand(frame.CmdHelloFail, "bad_hello"))
		s.close("bad_hello")
		return true
	}

	s.deviceID = capture.SafeDeviceID(rawDevice)
	s.payloadID = payloadID
	s.mu.Unlock()

	nonce, err := s.gw.auth.NewNonce()
	if err != nil {
		log.Printf("[Session %s] nonce: %v", s.id, err)
		s.gw.emitFailed(s, events.StageHello, "internal")
		s.sendText(frame.FormatCommand(frame.CmdHelloFail, "internal"))
		s.close("nonce_error")
		return true
	}

	s.mu.Lock()
	s.nonce = nonce
	deviceID := s.deviceID
	s.mu.Unlock()

	s.sendText(frame.FormatCommand(frame.CmdChal, nonce))

	// Device row is optional metadata; its absence never blocks the session.
	if dev, err := s.gw.registry.LookupDevice(ctx, deviceID); err == nil && dev.TZOffsetHours != nil {
		if off := *dev.TZOffsetHours; off >= -12 && off <= 14 {
			s.mu.Lock()
			s.tzOffsetHours = dev.TZOffsetHours
			s.mu.Unlock()
		}
	}

	if !s.gw.cfg.RequireAuth {
		s.mu.Lock()
		s.authed = true
		s.mu.Unlock()
		s.sendText(frame.CmdAuthOK)
		if s.gw.cfg.AutoCapture {
			go s.gw.startCapture(s.id)
		}
	}
	return false
}

func (s *Session) handleAuth(ctx context.Context, args []string) bool {
	requireAuth := s.gw.cfg.RequireAuth

	fail := func(reason string) bool {
		s.sendText(frame.FormatCommand(frame.CmdAuthFail, reason))
		if !requireAuth {
			return false // advisory only
		}
		s.gw.emitFailed(s, events.StageAuth, reason)
		s.close("auth_failed")
		return true
	}

	s.mu.Lock()
	nonce := s.nonce
	helloDevice := s.deviceID
	s.mu.Unlock()

	if nonce == "" {
		return fail("no_chal")
	}
	if len(args) != 2 {
		return fail("bad_auth")
	}

	claimed := capture.SafeDeviceID(args[0])
	if claimed != helloDevice {
		return fail("device_mismatch")
	}

	if !s.gw.auth.Verify(ctx, claimed, nonce, args[1]) {
		return fail("verify_failed")
	}

	s.mu.Lock()
	wasAuthed := s.authed
	s.authed = true
	s.mu.Unlock()

	s.sendText(frame.CmdAuthOK)

	// Under REQUIRE_AUTH the session becomes capture-eligible only now.
	if requireAuth && !wasAuthed && s.gw.cfg.AutoCapture {
		go s.gw.startCapture(s.id)
	}
	return false
}

// handleBinary forwards device->proxy RTSP bytes to the bound loopback
// socket. Type 2 with no bound socket is dropped silently; every other tag
// from a device is protocol noise.
func (s *Session) handleBinary(data []byte) {
	tag, payload, err := frame.Decode(data)
	if err != nil || tag != frame.TagDeviceToProxy {
		return
	}

	s.mu.Lock()
	conn := s.proxyConn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	if _, err := conn.Write(payload); err != nil {
		log.Printf("[Session %s] proxy write: %v", s.id, err)
		s.unbindProxy()
		return
	}
	metrics.TunnelBytes.WithLabelValues("device_to_proxy").Add(float64(len(payload)))
}

// bindProxy attaches an accepted loopback socket and tells the device to
// open its camera connection.
func (s *Session) bindProxy(conn net.Conn) bool {
	s.mu.Lock()
	if s.closed || !s.captureActive || s.proxyConn != nil {
		s.mu.Unlock()
		return false
	}
	s.proxyConn = conn
	s.mu.Unlock()

	if err := s.sendBinary(frame.Open()); err != nil {
		log.Printf("[Session %s] OPEN send: %v", s.id, err)
		s.unbindProxy()
		return false
	}
	return true
}

// unbindProxy drops the loopback socket and tells the device to drop the
// camera side. Idempotent.
func (s *Session) unbindProxy() {
	s.mu.Lock()
	conn := s.proxyConn
	s.proxyConn = nil
	closed := s.closed
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	if !closed {
		_ = s.sendBinary(frame.Close())
	}
}

// close tears the session down: timers, ffmpeg, proxy socket, WS. Idempotent;
// the first caller wins.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.helloTimer != nil {
		s.helloTimer.Stop()
	}
	cancelCapture := s.captureCancel
	conn := s.proxyConn
	s.proxyConn = nil
	s.mu.Unlock()

	if cancelCapture != nil {
		cancelCapture()
	}
	if conn != nil {
		conn.Close()
	}

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.BinaryMessage, frame.Close())
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	s.writeMu.Unlock()
	s.conn.Close()

	s.gw.removeSession(s.id)
	metrics.SessionsActive.Dec()
	metrics.SessionsTotal.WithLabelValues(reason).Inc()
	log.Printf("[Session %s] closed (%s) device=%s", s.id, reason, s.DeviceID())
}

func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
