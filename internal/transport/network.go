// Package transport implements the TCP fabric of the engine: the full-mesh
// bootstrap, turbo (non-blocking) socket mode, config and weight streaming,
// the control plane, and the collective primitives run between segments.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// turboAttemptTimeout is the read deadline of one spin attempt in turbo mode.
const turboAttemptTimeout = 200 * time.Microsecond

// ErrSocketClosed reports an orderly close by the peer mid-transfer.
var ErrSocketClosed = errors.New("socket closed")

// TransferError wraps any socket failure during steady-state traffic so the
// worker loop can distinguish it from fatal configuration errors.
type TransferError struct {
	Err error
}

func (e *TransferError) Error() string { return fmt.Sprintf("transfer: %v", e.Err) }
func (e *TransferError) Unwrap() error { return e.Err }

type socket struct {
	conn      net.Conn
	turbo     atomic.Bool
	sentBytes atomic.Uint64
	recvBytes atomic.Uint64
}

// Network is a fully-connected socket mesh. Socket indexes are stable for
// the life of the run; SocketIndexForNode maps global node ids onto them.
type Network struct {
	nodeIndex int
	nNodes    int
	sockets   []*socket
}

// NSockets returns the peer connection count (nNodes - 1).
func (n *Network) NSockets() int { return len(n.sockets) }

func newSocket(conn net.Conn) *socket {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		setQuickAck(tcp)
	}
	return &socket{conn: conn}
}

// Connect establishes the root's side of the mesh: it dials every worker,
// assigns its node index, and streams the peer address book so workers can
// interconnect. ACKs bracket the address exchange.
func Connect(hosts []string, ports []int) (*Network, error) {
	nSockets := len(hosts)
	n := &Network{nodeIndex: 0, nNodes: nSockets + 1, sockets: make([]*socket, nSockets)}
	for i := range hosts {
		conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", hosts[i], ports[i]))
		if err != nil {
			return nil, fmt.Errorf("connect worker %s:%d: %w", hosts[i], ports[i], err)
		}
		n.sockets[i] = newSocket(conn)
		if err := n.writeU32(i, uint32(nSockets)); err != nil {
			return nil, err
		}
		if err := n.writeU32(i, uint32(i)); err != nil {
			return nil, err
		}
		for j := range hosts {
			if j == i {
				continue
			}
			if err := n.writeString(i, hosts[j]); err != nil {
				return nil, err
			}
			if err := n.writeU32(i, uint32(ports[j])); err != nil {
				return nil, err
			}
		}
		if err := n.ReadAck(i); err != nil {
			return nil, err
		}
	}
	for i := range n.sockets {
		if err := n.WriteAck(i); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Serve establishes a worker's side of the mesh: it accepts the root,
// learns its index and the peer address book, then accepts connections from
// lower-indexed workers and dials higher-indexed ones.
func Serve(port int) (*Network, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}
	defer func() { _ = listener.Close() }()

	rootConn, err := listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept root: %w", err)
	}

	n := &Network{sockets: []*socket{newSocket(rootConn)}}
	nSockets, err := n.readU32(0)
	if err != nil {
		return nil, err
	}
	workerIndex, err := n.readU32(0)
	if err != nil {
		return nil, err
	}
	n.nodeIndex = int(workerIndex) + 1
	n.nNodes = int(nSockets) + 1

	nPeers := int(nSockets) - 1
	peerHosts := make([]string, nPeers)
	peerPorts := make([]int, nPeers)
	for i := 0; i < nPeers; i++ {
		if peerHosts[i], err = n.readString(0); err != nil {
			return nil, err
		}
		p, err := n.readU32(0)
		if err != nil {
			return nil, err
		}
		peerPorts[i] = int(p)
	}
	if err := n.WriteAck(0); err != nil {
		return nil, err
	}
	if err := n.ReadAck(0); err != nil {
		return nil, err
	}

	// Lower-indexed peers dial us, we dial higher-indexed ones. The peer
	// list excludes this worker, so entry i is worker i for i < workerIndex
	// and worker i+1 afterwards.
	peers := make([]*socket, nPeers)
	for i := 0; i < nPeers; i++ {
		if i >= int(workerIndex) {
			conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", peerHosts[i], peerPorts[i]))
			if err != nil {
				return nil, fmt.Errorf("connect peer %s:%d: %w", peerHosts[i], peerPorts[i], err)
			}
			peers[i] = newSocket(conn)
		} else {
			conn, err := listener.Accept()
			if err != nil {
				return nil, fmt.Errorf("accept peer: %w", err)
			}
			peers[i] = newSocket(conn)
		}
	}
	n.sockets = append(n.sockets, peers...)
	return n, nil
}

// Close tears every socket down.
func (n *Network) Close() {
	for _, s := range n.sockets {
		_ = s.conn.Close()
	}
}

// SetTurbo toggles every socket between blocking reads and bounded-spin
// non-blocking reads.
func (n *Network) SetTurbo(enabled bool) {
	for _, s := range n.sockets {
		s.turbo.Store(enabled)
		if !enabled {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}
}

// SocketIndexForNode maps a global node id to this node's socket index.
func (n *Network) SocketIndexForNode(targetNodeIndex int) int {
	if n.nodeIndex == 0 {
		return targetNodeIndex - 1
	}
	if targetNodeIndex == 0 {
		return 0
	}
	peer := targetNodeIndex - 1
	mine := n.nodeIndex - 1
	if peer < mine {
		return peer + 1
	}
	return peer
}

// Write sends the whole buffer to one socket.
func (n *Network) Write(socketIndex int, data []byte) error {
	s := n.sockets[socketIndex]
	if _, err := s.conn.Write(data); err != nil {
		return &TransferError{Err: err}
	}
	s.sentBytes.Add(uint64(len(data)))
	return nil
}

// Read fills the whole buffer from one socket, honoring turbo mode by
// spinning on short deadlines until data arrives.
func (n *Network) Read(socketIndex int, data []byte) error {
	s := n.sockets[socketIndex]
	got := 0
	for got < len(data) {
		if s.turbo.Load() {
			_ = s.conn.SetReadDeadline(time.Now().Add(turboAttemptTimeout))
		}
		r, err := s.conn.Read(data[got:])
		got += r
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return &TransferError{Err: ErrSocketClosed}
			}
			return &TransferError{Err: err}
		}
	}
	s.recvBytes.Add(uint64(len(data)))
	return nil
}

// TryReadWithMaxAttempts attempts a full read with a bounded number of
// spin attempts; it reports false when nothing arrived in time. Once the
// first byte lands the rest of the message is read to completion.
func (n *Network) TryReadWithMaxAttempts(socketIndex int, data []byte, maxAttempts int) (bool, error) {
	s := n.sockets[socketIndex]
	got := 0
	for attempt := 0; got == 0; attempt++ {
		if attempt >= maxAttempts {
			return false, nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(turboAttemptTimeout))
		r, err := s.conn.Read(data)
		got += r
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return false, &TransferError{Err: err}
		}
	}
	if !s.turbo.Load() {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	if got < len(data) {
		if err := n.Read(socketIndex, data[got:]); err != nil {
			return false, err
		}
		s.recvBytes.Add(uint64(got))
	} else {
		s.recvBytes.Add(uint64(len(data)))
	}
	return true, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SocketIo pairs a socket with a pending buffer for WriteMany/ReadMany.
type SocketIo struct {
	SocketIndex int
	Data        []byte
}

// WriteMany sends every io to completion.
func (n *Network) WriteMany(ios []SocketIo) error {
	for i := range ios {
		if err := n.Write(ios[i].SocketIndex, ios[i].Data); err != nil {
			return err
		}
	}
	return nil
}

// ReadMany fills every io to completion.
func (n *Network) ReadMany(ios []SocketIo) error {
	for i := range ios {
		if err := n.Read(ios[i].SocketIndex, ios[i].Data); err != nil {
			return err
		}
	}
	return nil
}

// WriteAll sends the same buffer to every socket.
func (n *Network) WriteAll(data []byte) error {
	for i := range n.sockets {
		if err := n.Write(i, data); err != nil {
			return err
		}
	}
	return nil
}

// SendToNode writes to the socket connected to the given global node.
func (n *Network) SendToNode(targetNodeIndex int, data []byte) error {
	return n.Write(n.SocketIndexForNode(targetNodeIndex), data)
}

// RecvFromNode reads from the socket connected to the given global node.
func (n *Network) RecvFromNode(sourceNodeIndex int, data []byte) error {
	return n.Read(n.SocketIndexForNode(sourceNodeIndex), data)
}

const ackValue = 0x2B

// WriteAck sends the one-byte handshake marker.
func (n *Network) WriteAck(socketIndex int) error {
	return n.Write(socketIndex, []byte{ackValue})
}

// ReadAck consumes and validates the one-byte handshake marker.
func (n *Network) ReadAck(socketIndex int) error {
	var buf [1]byte
	if err := n.Read(socketIndex, buf[:]); err != nil {
		return err
	}
	if buf[0] != ackValue {
		return fmt.Errorf("invalid ack packet: 0x%02x", buf[0])
	}
	return nil
}

// Stats returns total bytes sent and received since the last reset, then
// resets the counters.
func (n *Network) Stats() (sent, recv uint64) {
	for _, s := range n.sockets {
		sent += s.sentBytes.Swap(0)
		recv += s.recvBytes.Swap(0)
	}
	return sent, recv
}

// ResetStats clears the byte counters.
func (n *Network) ResetStats() {
	for _, s := range n.sockets {
		s.sentBytes.Store(0)
		s.recvBytes.Store(0)
	}
}

func (n *Network) writeU32(socketIndex int, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return n.Write(socketIndex, buf[:])
}

func (n *Network) readU32(socketIndex int) (uint32, error) {
	var buf [4]byte
	if err := n.Read(socketIndex, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// writeString streams a NUL-terminated, length-prefixed string.
func (n *Network) writeString(socketIndex int, s string) error {
	if err := n.writeU32(socketIndex, uint32(len(s)+1)); err != nil {
		return err
	}
	return n.Write(socketIndex, append([]byte(s), 0))
}

func (n *Network) readString(socketIndex int) (string, error) {
	length, err := n.readU32(socketIndex)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if err := n.Read(socketIndex, buf); err != nil {
		return "", err
	}
	return string(buf[:length-1]), nil
}
