package memberlist

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// packetWithAddr pairs a decrypted/decoded inbound UDP packet with the
// address it arrived from and the time it was received.
type packetWithAddr struct {
	Buf       []byte
	From       net.Addr
	Timestamp time.Time
}

// Transport is the L0 contract: unreliable UDP packet delivery plus
// reliable TCP streams, with inbound channels for each. A Transport is
// also responsible for any outer framing (label, encryption) beyond the
// raw message bytes it is handed.
type Transport interface {
	// FinalAdvertiseAddr resolves the address/port this node should
	// advertise to peers, given the configured bind address/port.
	FinalAdvertiseAddr(bindAddr string, bindPort int) (net.IP, int, error)

	// SendPacket sends b to addr over UDP, best effort.
	SendPacket(addr string, b []byte) error

	// DialStream opens a TCP connection to addr.
	DialStream(addr string, timeout time.Duration) (net.Conn, error)

	// WriteStreamMsg writes msg (already including its own message-type
	// tag) to conn as one label/encryption-framed message, length-prefixed
	// so the peer knows exactly how many framed bytes to read before
	// unframing. Mirrors the envelope SendPacket applies to UDP.
	WriteStreamMsg(conn net.Conn, msg []byte) error

	// ReadStreamMsg reads one length-prefixed framed message written by
	// WriteStreamMsg and returns it unframed.
	ReadStreamMsg(conn net.Conn) ([]byte, error)

	// PacketCh returns the channel inbound decoded UDP packets arrive on.
	PacketCh() <-chan *packetWithAddr

	// StreamCh returns the channel inbound accepted TCP connections
	// arrive on.
	StreamCh() <-chan net.Conn

	Shutdown() error
}

// NetTransport is the default Transport: a UDP socket and a TCP listener
// bound to the same address, with optional keyring encryption and label
// framing applied uniformly to both.
type NetTransport struct {
	config *Config

	udpConn  *net.UDPConn
	tcpLn    *net.TCPListener
	packetCh chan *packetWithAddr
	streamCh chan net.Conn
	shutdown chan struct{}
}

// udpMaxPayload is a conservative MTU-safe ceiling for an outbound UDP
// datagram after any encryption/label overhead has been added.
const udpMaxPayload = 1400

func NewNetTransport(config *Config) (*NetTransport, error) {
	addr := net.JoinHostPort(config.BindAddr, fmt.Sprintf("%d", config.BindPort))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("memberlist: failed to start UDP listener: %w", err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	tcpLn, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("memberlist: failed to start TCP listener: %w", err)
	}

	t := &NetTransport{
		config:   config,
		udpConn:  udpConn,
		tcpLn:    tcpLn,
		packetCh: make(chan *packetWithAddr, 128),
		streamCh: make(chan net.Conn, 64),
		shutdown: make(chan struct{}),
	}

	go t.udpListen()
	go t.tcpListen()
	return t, nil
}

func (t *NetTransport) FinalAdvertiseAddr(bindAddr string, bindPort int) (net.IP, int, error) {
	if t.config.AdvertiseAddr != "" {
		ip := net.ParseIP(t.config.AdvertiseAddr)
		if ip == nil {
			return nil, 0, fmt.Errorf("memberlist: failed to parse advertise address %q", t.config.AdvertiseAddr)
		}
		port := t.config.AdvertisePort
		if port == 0 {
			port = bindPort
		}
		return ip, port, nil
	}
	if bindAddr == "0.0.0.0" || bindAddr == "" {
		ip, err := firstPrivateIP()
		if err != nil {
			return nil, 0, err
		}
		return ip, bindPort, nil
	}
	ip := net.ParseIP(bindAddr)
	if ip == nil {
		return nil, 0, fmt.Errorf("memberlist: failed to parse bind address %q", bindAddr)
	}
	return ip, bindPort, nil
}

func firstPrivateIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return net.ParseIP("127.0.0.1"), nil
}

func (t *NetTransport) SendPacket(addr string, b []byte) error {
	framed, err := t.frame(b)
	if err != nil {
		return fmt.Errorf("memberlist: failed to frame outbound packet: %w", err)
	}
	if len(framed) > udpMaxPayload {
		return fmt.Errorf("memberlist: packet too large for UDP: %d bytes", len(framed))
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = t.udpConn.WriteTo(framed, udpAddr)
	return err
}

func (t *NetTransport) DialStream(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// tcpMaxMsgSize caps a single framed stream message, guarding against a
// corrupt or hostile length header driving an unbounded allocation.
const tcpMaxMsgSize = 10 * 1024 * 1024

// WriteStreamMsg applies this transport's label/encryption framing to msg,
// the same envelope SendPacket applies to an outbound UDP packet, and
// writes it to conn behind a 4-byte length header.
func (t *NetTransport) WriteStreamMsg(conn net.Conn, msg []byte) error {
	framed, err := t.frame(msg)
	if err != nil {
		return fmt.Errorf("memberlist: failed to frame stream message: %w", err)
	}
	var lenHeader [4]byte
	binary.BigEndian.PutUint32(lenHeader[:], uint32(len(framed)))
	if _, err := conn.Write(lenHeader[:]); err != nil {
		return err
	}
	_, err = conn.Write(framed)
	return err
}

// ReadStreamMsg reads one length-prefixed message written by
// WriteStreamMsg and unframes it (label stripped, decrypted if a keyring
// is configured).
func (t *NetTransport) ReadStreamMsg(conn net.Conn) ([]byte, error) {
	var lenHeader [4]byte
	if _, err := io.ReadFull(conn, lenHeader[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenHeader[:])
	if n == 0 || n > tcpMaxMsgSize {
		return nil, fmt.Errorf("memberlist: invalid stream message length %d", n)
	}
	framed := make([]byte, n)
	if _, err := io.ReadFull(conn, framed); err != nil {
		return nil, err
	}
	return t.unframe(framed)
}

func (t *NetTransport) PacketCh() <-chan *packetWithAddr { return t.packetCh }
func (t *NetTransport) StreamCh() <-chan net.Conn        { return t.streamCh }

func (t *NetTransport) Shutdown() error {
	close(t.shutdown)
	t.udpConn.Close()
	t.tcpLn.Close()
	return nil
}

func (t *NetTransport) udpListen() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := t.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				continue
			}
		}
		if n == 0 {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		framed, err := t.unframe(raw)
		if err != nil {
			continue
		}
		select {
		case t.packetCh <- &packetWithAddr{Buf: framed, From: addr, Timestamp: time.Now()}:
		default:
		}
	}
}

func (t *NetTransport) tcpListen() {
	for {
		conn, err := t.tcpLn.AcceptTCP()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
				continue
			}
		}
		select {
		case t.streamCh <- conn:
		default:
			conn.Close()
		}
	}
}

// unframe strips the optional label prefix and decrypts if a keyring is
// configured.
func (t *NetTransport) unframe(b []byte) ([]byte, error) {
	b, err := stripLabel(b, t.config.Label)
	if err != nil {
		return nil, err
	}
	if t.config.Keyring != nil {
		return decryptPayload(t.config.Keyring, b, []byte(t.config.Label))
	}
	return b, nil
}

// frame applies encryption then the label prefix, in the order unframe
// reverses them.
func (t *NetTransport) frame(b []byte) ([]byte, error) {
	out := b
	var err error
	if t.config.Keyring != nil {
		out, err = encryptPayload(t.config.Keyring, out, []byte(t.config.Label))
		if err != nil {
			return nil, err
		}
	}
	return addLabel(out, t.config.Label), nil
}

func addLabel(b []byte, label string) []byte {
	if label == "" {
		return b
	}
	out := make([]byte, 0, len(label)+1+len(b))
	out = append(out, byte(len(label)))
	out = append(out, label...)
	out = append(out, b...)
	return out
}

func stripLabel(b []byte, label string) ([]byte, error) {
	if label == "" {
		return b, nil
	}
	if len(b) < 1 || int(b[0]) != len(label) || len(b) < 1+len(label) {
		return nil, fmt.Errorf("memberlist: missing or mismatched label")
	}
	if string(b[1:1+len(label)]) != label {
		return nil, fmt.Errorf("memberlist: label mismatch")
	}
	return b[1+len(label):], nil
}
