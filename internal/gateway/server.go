package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-snaptunnel/internal/tlswatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // devices are not browsers; auth is the challenge, not Origin
	},
}

// wsServer is the public device-facing WebSocket endpoint. Only runs while
// this replica is leader.
type wsServer struct {
	gw *Gateway

	mu      sync.Mutex
	httpSrv *http.Server
	keypair *tlswatch.Keypair
}

func newWSServer(gw *Gateway) *wsServer {
	return &wsServer{gw: gw}
}

func (ws *wsServer) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.httpSrv != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.serveWS)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.gw.cfg.WSPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("ws listen: %w", err)
	}

	if ws.gw.cfg.WSTLS {
		if ws.keypair == nil {
			kp, err := tlswatch.NewKeypair(ws.gw.cfg.TLSCert, ws.gw.cfg.TLSKey)
			if err != nil {
				ln.Close()
				return err
			}
			kp.Watch(context.Background())
			ws.keypair = kp
		}
		srv.TLSConfig = &tls.Config{
			GetCertificate: ws.keypair.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	ws.httpSrv = srv
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[WS] serve: %v", err)
		}
	}()
	return nil
}

func (ws *wsServer) Stop() {
	ws.mu.Lock()
	srv := ws.httpSrv
	ws.httpSrv = nil
	ws.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
}

func (ws *wsServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	s := newSession(ws.gw, conn, r.RemoteAddr)
	ws.gw.addSession(s)
	log.Printf("[WS] session %s connected from %s", s.id, s.remote)

	// The read loop runs on the handler goroutine; the request context dies
	// with the hijacked connection, so sessions carry their own.
	s.run(context.Background())
}
