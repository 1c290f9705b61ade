package frame

import (
	"errors"
	"strings"
)

// Binary frame tags. One WebSocket binary message = one tag byte + payload.
const (
	TagProxyToDevice byte = 1 // RTSP bytes from the loopback proxy
	TagDeviceToProxy byte = 2 // RTSP bytes toward the loopback proxy
	TagOpen          byte = 3 // control: device opens camera socket
	TagClose         byte = 4 // control: device drops camera socket
)

var (
	ErrEmptyFrame = errors.New("empty binary frame")
	ErrBadTag     = errors.New("unknown frame tag")
)

// Encode prepends the tag byte. The payload is copied so callers may reuse
// their buffer after the WS write is queued.
func Encode(tag byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = tag
	copy(out[1:], payload)
	return out
}

// Decode splits a binary message into tag and payload. The returned payload
// aliases msg.
func Decode(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	tag := msg[0]
	if tag < TagProxyToDevice || tag > TagClose {
		return 0, nil, ErrBadTag
	}
	return tag, msg[1:], nil
}

// Open and Close are the zero-payload control frames.
func Open() []byte  { return []byte{TagOpen} }
func Close() []byte { return []byte{TagClose} }

// Command verbs on the text channel.
const (
	CmdReady     = "READY"
	CmdChal      = "CHAL"
	CmdAuthOK    = "AUTH_OK"
	CmdAuthFail  = "AUTH_FAIL"
	CmdHelloFail = "HELLO_FAIL"
	CmdHello     = "HELLO"
	CmdAuth      = "AUTH"
)

// Command is a parsed text line: an upper-cased verb plus its arguments.
type Command struct {
	Verb string
	Args []string
}

// ParseCommand splits a text line on runs of whitespace. The verb is matched
// case-insensitively; unknown verbs are returned as-is so callers can ignore
// them silently.
func ParseCommand(line string) Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{
		Verb: strings.ToUpper(fields[0]),
		Args: fields[1:],
	}
}

// FormatCommand joins a verb and arguments into one wire line.
func FormatCommand(verb string, args ...string) string {
	if len(args) == 0 {
		return verb
	}
	return verb + " " + strings.Join(args, " ")
}
