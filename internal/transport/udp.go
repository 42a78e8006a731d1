package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

const (
	udpMagic       uint16 = 0x6d62 // "mb"
	maxDatagram           = 64 * 1024
	maxEndpointLen        = 512
)

// ProtocolVersion is carried in every datagram header so that payload codecs
// can stay compatible across rolling upgrades.
const ProtocolVersion int32 = 1

// UDP is a datagram transport. Outbound sends are fire-and-forget; inbound
// datagrams are decoded and dispatched on the registry.
type UDP struct {
	local    Endpoint
	registry *Registry
	logger   *zap.Logger

	conn *net.UDPConn
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewUDP binds the local endpoint address and starts the receive loop.
func NewUDP(local Endpoint, registry *Registry, logger *zap.Logger) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", local.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", local, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}
	u := &UDP{
		local:    local,
		registry: registry,
		logger:   logger,
		conn:     conn,
	}
	u.wg.Add(1)
	go u.receiveLoop()
	return u, nil
}

// Send encodes one datagram and writes it without waiting for delivery.
func (u *UDP) Send(to Endpoint, verb Verb, payload []byte) error {
	addr, err := net.ResolveUDPAddr("udp", to.String())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", to, err)
	}
	frame, err := encodeFrame(u.local, verb, payload)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", verb, to, err)
	}
	return nil
}

// Close stops the receive loop. In-flight handler invocations complete.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	u.mu.Unlock()

	err := u.conn.Close()
	u.wg.Wait()
	return err
}

func (u *UDP) receiveLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if !closed {
				u.logger.Warn("udp receive failed", zap.Error(err))
			}
			return
		}
		from, verb, payload, err := decodeFrame(buf[:n])
		if err != nil {
			u.logger.Warn("dropping undecodable datagram", zap.Error(err))
			continue
		}
		if !u.registry.Dispatch(verb, from, payload) {
			u.logger.Debug("no handler for verb", zap.Stringer("verb", verb))
		}
	}
}

func encodeFrame(from Endpoint, verb Verb, payload []byte) ([]byte, error) {
	if len(from) > maxEndpointLen {
		return nil, fmt.Errorf("endpoint too long: %d bytes", len(from))
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, udpMagic)
	binary.Write(&buf, binary.BigEndian, ProtocolVersion)
	binary.Write(&buf, binary.BigEndian, int32(verb))
	binary.Write(&buf, binary.BigEndian, uint16(len(from)))
	buf.WriteString(string(from))
	buf.Write(payload)
	if buf.Len() > maxDatagram {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxDatagram)
	}
	return buf.Bytes(), nil
}

func decodeFrame(frame []byte) (Endpoint, Verb, []byte, error) {
	r := bytes.NewReader(frame)
	var magic uint16
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return "", 0, nil, fmt.Errorf("short frame: %w", err)
	}
	if magic != udpMagic {
		return "", 0, nil, errors.New("bad magic")
	}
	var version, verb int32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return "", 0, nil, fmt.Errorf("read version: %w", err)
	}
	if version <= 0 || version > ProtocolVersion {
		return "", 0, nil, fmt.Errorf("unsupported protocol version %d", version)
	}
	if err := binary.Read(r, binary.BigEndian, &verb); err != nil {
		return "", 0, nil, fmt.Errorf("read verb: %w", err)
	}
	var fromLen uint16
	if err := binary.Read(r, binary.BigEndian, &fromLen); err != nil {
		return "", 0, nil, fmt.Errorf("read sender length: %w", err)
	}
	if int(fromLen) > maxEndpointLen || int(fromLen) > r.Len() {
		return "", 0, nil, fmt.Errorf("sender length %d out of range", fromLen)
	}
	from := make([]byte, fromLen)
	if _, err := r.Read(from); err != nil {
		return "", 0, nil, fmt.Errorf("read sender: %w", err)
	}
	payload := make([]byte, r.Len())
	r.Read(payload)
	return Endpoint(from), Verb(verb), payload, nil
}
