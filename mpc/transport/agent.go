// Package transport provides the two-party communication agents used by the
// measurement games: a framed TCP agent (optionally TLS) and an in-memory
// pair for tests. Frames are a 4-byte big-endian length followed by the
// payload.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Agent is a reliable, ordered, framed duplex channel to the peer party.
type Agent interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

const maxFrameSize = 1 << 30

type connAgent struct {
	conn net.Conn
}

// NewConnAgent wraps an established connection in the framing protocol.
func NewConnAgent(conn net.Conn) Agent {
	return &connAgent{conn: conn}
}

func (a *connAgent) Send(msg []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := a.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("cannot send frame header: %w", err)
	}
	if _, err := a.conn.Write(msg); err != nil {
		return fmt.Errorf("cannot send frame payload: %w", err)
	}
	return nil
}

func (a *connAgent) Receive() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(a.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("cannot receive frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("cannot receive frame: size %d exceeds limit", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(a.conn, msg); err != nil {
		return nil, fmt.Errorf("cannot receive frame payload: %w", err)
	}
	return msg, nil
}

func (a *connAgent) Close() error {
	return a.conn.Close()
}

type pairAgent struct {
	out chan<- []byte
	in  <-chan []byte
}

// NewPair returns two connected in-memory agents. Sends are buffered so a
// single goroutine driving both sides of a test cannot deadlock on small
// exchanges.
func NewPair() (Agent, Agent) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	return &pairAgent{out: ab, in: ba}, &pairAgent{out: ba, in: ab}
}

func (a *pairAgent) Send(msg []byte) error {
	cp := make([]byte, len(msg))
	copy(cp, msg)
	a.out <- cp
	return nil
}

func (a *pairAgent) Receive() ([]byte, error) {
	msg, ok := <-a.in
	if !ok {
		return nil, fmt.Errorf("cannot receive: peer closed")
	}
	return msg, nil
}

func (a *pairAgent) Close() error {
	close(a.out)
	return nil
}

// Connect establishes the two-party connection for one worker. The server
// side (publisher) listens on port; the client side dials serverIP:port,
// retrying until the listener is up or the deadline expires.
func Connect(server bool, serverIP string, port int, tlsConf *TLSConfig) (Agent, error) {
	addr := fmt.Sprintf("%s:%d", serverIP, port)
	if server {
		conn, err := listenOne(port, tlsConf)
		if err != nil {
			return nil, err
		}
		return NewConnAgent(conn), nil
	}
	deadline := time.Now().Add(5 * time.Minute)
	for {
		conn, err := dial(addr, tlsConf)
		if err == nil {
			return NewConnAgent(conn), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cannot connect to %s: %w", addr, err)
		}
		time.Sleep(time.Second)
	}
}
