package gateway

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/technosupport/ts-snaptunnel/internal/events"
	"github.com/technosupport/ts-snaptunnel/internal/frame"
	"github.com/technosupport/ts-snaptunnel/internal/metrics"
)

const proxyReadBuffer = 32 * 1024

// loopbackProxy accepts the ffmpeg RTSP connection on 127.0.0.1 and splices
// it into the WebSocket tunnel of whichever session holds the capture slot.
// The bind address is fixed: this port must never be reachable off-box.
type loopbackProxy struct {
	gw *Gateway

	mu sync.Mutex
	ln net.Listener
}

func newLoopbackProxy(gw *Gateway) *loopbackProxy {
	return &loopbackProxy{gw: gw}
}

func (p *loopbackProxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.gw.cfg.ProxyPort))
	if err != nil {
		return fmt.Errorf("loopback proxy listen: %w", err)
	}
	p.ln = ln

	go p.acceptLoop(ln)
	log.Printf("[Proxy] listening on %s", ln.Addr())
	return nil
}

func (p *loopbackProxy) Stop() {
	p.mu.Lock()
	ln := p.ln
	p.ln = nil
	p.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (p *loopbackProxy) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		p.handleConn(conn)
	}
}

// handleConn binds the accepted socket to the capturing session, or drops it
// when nothing is capturing (stray local dialers included).
func (p *loopbackProxy) handleConn(conn net.Conn) {
	sid, ok := p.gw.coord.Active()
	if !ok {
		conn.Close()
		return
	}

	s := p.gw.session(sid)
	if s == nil || s.Closed() {
		conn.Close()
		return
	}

	if !s.bindProxy(conn) {
		conn.Close()
		return
	}

	go p.pump(s, conn)
}

// pump relays loopback bytes into the tunnel as type-1 frames until either
// side closes.
func (p *loopbackProxy) pump(s *Session, conn net.Conn) {
	defer s.unbindProxy()

	buf := make([]byte, proxyReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := s.sendBinary(frame.Encode(frame.TagProxyToDevice, buf[:n])); werr != nil {
				p.gw.emitFailed(s, events.StageProxy, werr.Error())
				s.close("proxy_ws_write")
				return
			}
			metrics.TunnelBytes.WithLabelValues("proxy_to_device").Add(float64(n))
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[Proxy] session %s read: %v", s.id, err)
			}
			return
		}
	}
}
