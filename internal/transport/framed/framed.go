// Package framed carries kill cam chunks over a byte stream, TCP or KCP,
// as frames with a 4 byte big endian length prefix. The first frame a
// client sends is a hello holding its entity id.
package framed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

const (
	maxFrame     = 1 << 16
	helloSize    = 2
	sendChSize   = 4096
	writeTimeout = 10 * time.Second
	dialTimeout  = 5 * time.Second
)

var ErrFrameTooLarge = errors.New("frame too large")

func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeFrame(conn net.Conn, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(buf)
	return err
}

// Listener accepts stream connections.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Listen opens a tcp or kcp listener on addr.
func Listen(proto, addr string) (Listener, error) {
	switch proto {
	case "tcp":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return &tcpListener{l}, nil
	case "kcp":
		l, err := kcp.ListenWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		return &kcpListener{l}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", proto)
	}
}

type tcpListener struct {
	net.Listener
}

func (l *tcpListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

type kcpListener struct {
	listener *kcp.Listener
}

func (l *kcpListener) Accept() (net.Conn, error) {
	session, err := l.listener.AcceptKCP()
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (l *kcpListener) Close() error   { return l.listener.Close() }
func (l *kcpListener) Addr() net.Addr { return l.listener.Addr() }

func dial(proto, addr string) (net.Conn, error) {
	switch proto {
	case "", "tcp":
		return net.DialTimeout("tcp", addr, dialTimeout)
	case "kcp":
		conn, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		conn.SetStreamMode(true)
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", proto)
	}
}
