package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-snaptunnel/internal/capture"
	"github.com/technosupport/ts-snaptunnel/internal/config"
	"github.com/technosupport/ts-snaptunnel/internal/devauth"
	"github.com/technosupport/ts-snaptunnel/internal/events"
	"github.com/technosupport/ts-snaptunnel/internal/leader"
	"github.com/technosupport/ts-snaptunnel/internal/metrics"
	"github.com/technosupport/ts-snaptunnel/internal/registry"
)

// Gateway owns the session table and ties the WS server, loopback proxy,
// capture runner and coordinator together (the tunnel core). Sessions are
// addressed by id everywhere outside this struct.
type Gateway struct {
	cfg      config.Config
	auth     *devauth.Authenticator
	registry registry.Store
	runner   *capture.Runner
	coord    *Coordinator
	bus      *events.Bus

	mu       sync.Mutex
	sessions map[string]*Session

	server *wsServer
	proxy  *loopbackProxy
}

func New(cfg config.Config, auth *devauth.Authenticator, reg registry.Store, runner *capture.Runner, bus *events.Bus) *Gateway {
	gw := &Gateway{
		cfg:      cfg,
		auth:     auth,
		registry: reg,
		runner:   runner,
		coord:    NewCoordinator(),
		bus:      bus,
		sessions: map[string]*Session{},
	}
	gw.server = newWSServer(gw)
	gw.proxy = newLoopbackProxy(gw)
	return gw
}

func (gw *Gateway) addSession(s *Session) {
	gw.mu.Lock()
	gw.sessions[s.id] = s
	gw.mu.Unlock()
	metrics.SessionsActive.Inc()
}

func (gw *Gateway) removeSession(id string) {
	gw.mu.Lock()
	delete(gw.sessions, id)
	gw.mu.Unlock()
}

func (gw *Gateway) session(id string) *Session {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.sessions[id]
}

// closeAllSessions ends every live session, used when leadership is lost or
// on shutdown.
func (gw *Gateway) closeAllSessions(reason string) {
	gw.mu.Lock()
	all := make([]*Session, 0, len(gw.sessions))
	for _, s := range gw.sessions {
		all = append(all, s)
	}
	gw.mu.Unlock()

	for _, s := range all {
		s.close(reason)
	}
}

// startCapture reserves the replica's capture slot for the session and runs
// one ffmpeg snapshot through the tunnel. Runs on its own goroutine; the
// session's read loop keeps pumping tunnel bytes meanwhile.
func (gw *Gateway) startCapture(sessionID string) {
	s := gw.session(sessionID)
	if s == nil || s.Closed() {
		return
	}

	if err := gw.coord.Reserve(sessionID); err != nil {
		metrics.CapturesTotal.WithLabelValues("refused").Inc()
		gw.emitFailed(s, events.StageCapture, err.Error())
		s.close("capture_refused")
		return
	}
	defer gw.coord.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.captureActive = true
	s.captureCancel = cancel
	deviceID := s.deviceID
	tz := s.tzOffsetHours
	payloadID := s.payloadID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.captureActive = false
		s.captureCancel = nil
		s.mu.Unlock()
	}()

	meta, err := gw.registry.LookupSensorMeta(ctx, deviceID)
	if err != nil {
		// Degraded registry means process-wide defaults.
		meta = registry.SensorMeta{}
	}
	profile := capture.ResolveProfile(meta, capture.Profile{
		CamUser:  gw.cfg.CamUser,
		CamPass:  gw.cfg.CamPass,
		RTSPPath: gw.cfg.RTSPPath,
	})

	capturedAt := time.Now().UTC()
	outPath, err := gw.runner.Run(ctx, deviceID, profile, capturedAt)
	if err != nil {
		metrics.CapturesTotal.WithLabelValues("error").Inc()
		gw.emitFailed(s, events.StageCapture, err.Error())
		s.close("capture_failed")
		return
	}

	metrics.CapturesTotal.WithLabelValues("ok").Inc()
	gw.bus.PublishCaptured(events.Captured{
		EventID:       uuid.New().String(),
		SessionID:     sessionID,
		DeviceID:      deviceID,
		PayloadID:     payloadID,
		Remote:        s.remote,
		LocalPath:     outPath,
		CapturedAt:    capturedAt,
		TZOffsetHours: tz,
	})

	// One snapshot per session: the tunnel exists for a single capture.
	s.close("capture_done")
}

func (gw *Gateway) emitFailed(s *Session, stage events.Stage, msg string) {
	s.mu.Lock()
	deviceID := s.deviceID
	payloadID := s.payloadID
	s.mu.Unlock()

	gw.bus.PublishFailed(events.Failed{
		EventID:   uuid.New().String(),
		SessionID: s.id,
		DeviceID:  deviceID,
		PayloadID: payloadID,
		Remote:    s.remote,
		Stage:     stage,
		Err:       msg,
	})
}

// RunLeaderLoop gates the listeners on leadership. Followers do not listen;
// election starts the WS server and loopback proxy, revocation stops them
// and aborts whatever was in flight.
func (gw *Gateway) RunLeaderLoop(ctx context.Context, lock *leader.Lock) {
	defer gw.stopListeners()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-lock.Notify():
			if !ok {
				return
			}
			switch ev {
			case leader.Elected:
				if err := gw.startListeners(); err != nil {
					log.Printf("[Gateway] listen: %v", err)
					lock.Release(ctx)
				}
			case leader.Revoked:
				gw.stopListeners()
			}
		}
	}
}

func (gw *Gateway) startListeners() error {
	if err := gw.proxy.Start(); err != nil {
		return err
	}
	if err := gw.server.Start(); err != nil {
		gw.proxy.Stop()
		return err
	}
	log.Printf("[Gateway] leader: accepting device connections on :%d", gw.cfg.WSPort)
	return nil
}

func (gw *Gateway) stopListeners() {
	gw.server.Stop()
	gw.proxy.Stop()
	gw.closeAllSessions("leadership_lost")
}

// Stop is the orderly shutdown path (SIGTERM).
func (gw *Gateway) Stop() {
	gw.server.Stop()
	gw.proxy.Stop()
	gw.closeAllSessions("shutdown")
}
