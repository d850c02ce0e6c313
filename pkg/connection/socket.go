package connection

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"

	"github.com/Hubmakerlabs/feedr/pkg/context"
)

// MaxMessageSize is the write buffer size for outbound frames.
const MaxMessageSize = 512000

// Socket is one open websocket to a relay.
type Socket interface {
	WriteMessage(data []byte) error
	ReadMessage(c context.T, buf io.Writer) error
	Ping() error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(c context.T, url string) (Socket, error)
}

// WSDialer dials relays with gobwas/ws, negotiating permessage-deflate when
// the relay offers it.
type WSDialer struct {
	Header http.Header
}

func (d WSDialer) Dial(c context.T, url string) (Socket, error) {
	return dial(c, url, d.Header)
}

// wsSocket is a client websocket with optional compression.
type wsSocket struct {
	conn              net.Conn
	enableCompression bool
	controlHandler    wsutil.FrameHandlerFunc
	flateReader       *wsflate.Reader
	reader            *wsutil.Reader
	flateWriter       *wsflate.Writer
	writer            *wsutil.Writer
	msgState          *wsflate.MessageState
}

func dial(c context.T, url string, header http.Header) (s *wsSocket, err error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(header),
		Extensions: []httphead.Option{
			wsflate.DefaultParameters.Option(),
		},
	}
	conn, _, hs, err := dialer.Dial(c, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	enableCompression := false
	state := ws.StateClientSide
	for _, extension := range hs.Extensions {
		if string(extension.Name) == wsflate.ExtensionName {
			enableCompression = true
			state |= ws.StateExtended
			break
		}
	}
	var flateReader *wsflate.Reader
	var msgState wsflate.MessageState
	if enableCompression {
		msgState.SetCompressed(true)
		flateReader = wsflate.NewReader(nil, func(r io.Reader) wsflate.Decompressor {
			return flate.NewReader(r)
		})
	}
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := &wsutil.Reader{
		Source:         conn,
		State:          state,
		OnIntermediate: controlHandler,
		CheckUTF8:      false,
		Extensions: []wsutil.RecvExtension{
			&msgState,
		},
	}
	var flateWriter *wsflate.Writer
	if enableCompression {
		flateWriter = wsflate.NewWriter(nil, func(w io.Writer) wsflate.Compressor {
			fw, err := flate.NewWriter(w, 4)
			if chk.E(err) {
				log.E.F("failed to create flate writer: %v", err)
			}
			return fw
		})
	}
	writer := wsutil.NewWriterSize(conn, state, ws.OpText, MaxMessageSize)
	writer.SetExtensions(&msgState)
	s = &wsSocket{
		conn:              conn,
		enableCompression: enableCompression,
		controlHandler:    controlHandler,
		flateReader:       flateReader,
		reader:            reader,
		flateWriter:       flateWriter,
		msgState:          &msgState,
		writer:            writer,
	}
	return
}

func (s *wsSocket) WriteMessage(data []byte) (err error) {
	if s.msgState.IsCompressed() && s.enableCompression {
		s.flateWriter.Reset(s.writer)
		if _, err = io.Copy(s.flateWriter, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		if err = s.flateWriter.Close(); err != nil {
			return fmt.Errorf("failed to close flate writer: %w", err)
		}
	} else {
		if _, err = io.Copy(s.writer, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err = s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// ReadMessage copies the next text or binary message into buf, answering
// control frames on the way.
func (s *wsSocket) ReadMessage(c context.T, buf io.Writer) (err error) {
	for {
		select {
		case <-c.Done():
			return c.Err()
		default:
		}
		var h ws.Header
		if h, err = s.reader.NextFrame(); err != nil {
			chk.T(s.conn.Close())
			return fmt.Errorf("failed to advance frame: %w", err)
		}
		if h.OpCode.IsControl() {
			if err = s.controlHandler(h, s.reader); err != nil {
				return fmt.Errorf("failed to handle control frame: %w", err)
			}
		} else if h.OpCode == ws.OpBinary || h.OpCode == ws.OpText {
			break
		}
		if err = s.reader.Discard(); err != nil {
			return fmt.Errorf("failed to discard: %w", err)
		}
	}
	if s.msgState.IsCompressed() && s.enableCompression {
		s.flateReader.Reset(s.reader)
		if _, err = io.Copy(buf, s.flateReader); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
	} else {
		if _, err = io.Copy(buf, s.reader); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
	}
	return nil
}

func (s *wsSocket) Ping() error {
	return wsutil.WriteClientMessage(s.conn, ws.OpPing, nil)
}

func (s *wsSocket) Close() error { return s.conn.Close() }
