package gateway

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-snaptunnel/internal/frame"
)

// helloSession dials, completes HELLO and returns both ends: the device-side
// ws conn and the server-side Session.
func helloSession(t *testing.T, env *testEnv) (*websocket.Conn, *Session) {
	t.Helper()

	conn := env.dial(t)
	require.Equal(t, "READY", readText(t, conn))
	writeText(t, conn, "HELLO devA")
	require.True(t, strings.HasPrefix(readText(t, conn), "CHAL "))
	require.Equal(t, "AUTH_OK", readText(t, conn))

	var s *Session
	require.Eventually(t, func() bool {
		env.gw.mu.Lock()
		defer env.gw.mu.Unlock()
		for _, sess := range env.gw.sessions {
			s = sess
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return conn, s
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func TestProxyRejectsConnWhenNothingCapturing(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.gw.proxy

	local, remote := net.Pipe()
	go p.handleConn(remote)

	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := local.Read(make([]byte, 1))
	assert.Error(t, err, "socket must be closed when no capture is in flight")
}

func TestProxyRejectsConnWhenSessionNotCapturing(t *testing.T) {
	env := newTestEnv(t, nil)
	_, s := helloSession(t, env)

	// Slot reserved but the session never entered captureActive.
	require.NoError(t, env.gw.coord.Reserve(s.id))
	defer env.gw.coord.Release()

	local, remote := net.Pipe()
	go env.gw.proxy.handleConn(remote)

	local.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := local.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestTunnelRelaysBothDirections(t *testing.T) {
	env := newTestEnv(t, nil)
	device, s := helloSession(t, env)

	require.NoError(t, env.gw.coord.Reserve(s.id))
	defer env.gw.coord.Release()
	s.mu.Lock()
	s.captureActive = true
	s.mu.Unlock()

	ffmpegSide, proxySide := net.Pipe()
	go env.gw.proxy.handleConn(proxySide)

	// 1. Device is told to open its camera socket.
	open := readBinary(t, device)
	require.Equal(t, []byte{frame.TagOpen}, open)

	// 2. ffmpeg -> proxy -> device as type-1 frames.
	go func() {
		ffmpegSide.Write([]byte("OPTIONS rtsp://cam RTSP/1.0\r\n"))
	}()
	msg := readBinary(t, device)
	require.Equal(t, frame.TagProxyToDevice, msg[0])
	assert.Equal(t, "OPTIONS rtsp://cam RTSP/1.0\r\n", string(msg[1:]))

	// 3. Device -> ws type-2 -> ffmpeg.
	reply := frame.Encode(frame.TagDeviceToProxy, []byte("RTSP/1.0 200 OK\r\n"))
	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, reply))

	buf := make([]byte, 64)
	ffmpegSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := ffmpegSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "RTSP/1.0 200 OK\r\n", string(buf[:n]))

	// 4. ffmpeg hangs up: device gets CLOSE and the socket unbinds.
	ffmpegSide.Close()
	var sawClose bool
	for i := 0; i < 5 && !sawClose; i++ {
		device.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := device.ReadMessage()
		if err != nil {
			break
		}
		if mt == websocket.BinaryMessage && len(data) == 1 && data[0] == frame.TagClose {
			sawClose = true
		}
	}
	assert.True(t, sawClose, "device must receive CLOSE after proxy socket drops")

	s.mu.Lock()
	assert.Nil(t, s.proxyConn)
	s.mu.Unlock()
}

func TestBinaryType2DroppedWithoutBoundSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	device, s := helloSession(t, env)

	// No bound proxy socket; type-2 must be silently dropped.
	reply := frame.Encode(frame.TagDeviceToProxy, []byte("stray bytes"))
	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, reply))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.Closed(), "stray type-2 must not kill the session")
}

func TestClosedSessionHoldsNoResources(t *testing.T) {
	env := newTestEnv(t, nil)
	_, s := helloSession(t, env)

	require.NoError(t, env.gw.coord.Reserve(s.id))
	defer env.gw.coord.Release()
	s.mu.Lock()
	s.captureActive = true
	s.mu.Unlock()

	_, proxySide := net.Pipe()
	require.True(t, s.bindProxy(proxySide))

	s.close("test")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.closed)
	assert.Nil(t, s.proxyConn)
	assert.Nil(t, s.captureCancel)

	// And it is out of the table.
	assert.Nil(t, env.gw.session(s.id))
}
