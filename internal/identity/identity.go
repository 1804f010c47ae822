// Package identity generates the unique identifiers handed out during the
// channel handshake.
package identity

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// UIDLen is the encoded length of a client UID:
// 8 bytes unix millis, 16 bytes IPv6-mapped address, 2 bytes port, 4 bytes sequence.
const UIDLen = 8 + net.IPv6len + 2 + 4

var ErrInvalidUID = errors.New("invalid client uid")

// UID is a decoded client identifier
type UID struct {
	Time time.Time
	IP   net.IP
	Port uint16
	Seq  uint32
}

func (u UID) String() string {
	return fmt.Sprintf("%s/%s/%d", u.Time.UTC().Format(time.RFC3339Nano),
		net.JoinHostPort(u.IP.String(), strconv.Itoa(int(u.Port))), u.Seq)
}

// Generator assigns client UIDs. The sequence is process-wide so that two
// channels opened by the same address in the same millisecond still differ.
type Generator struct {
	seq atomic.Uint32
	now func() time.Time
}

// NewGenerator creates a generator using the wall clock
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// ClientUID builds a UID for a client connected from remoteAddr.
// Unparseable addresses are encoded as the unspecified address.
func (g *Generator) ClientUID(remoteAddr string) []byte {
	ip, port := splitAddr(remoteAddr)

	b := make([]byte, UIDLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(g.now().UnixMilli()))
	copy(b[8:24], ip.To16())
	binary.BigEndian.PutUint16(b[24:26], port)
	binary.BigEndian.PutUint32(b[26:30], g.seq.Add(1))
	return b
}

// Parse decodes a UID produced by ClientUID
func Parse(b []byte) (UID, error) {
	if len(b) != UIDLen {
		return UID{}, fmt.Errorf("%w: length %d", ErrInvalidUID, len(b))
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, b[8:24])
	return UID{
		Time: time.UnixMilli(int64(binary.BigEndian.Uint64(b[0:8]))),
		IP:   ip,
		Port: binary.BigEndian.Uint16(b[24:26]),
		Seq:  binary.BigEndian.Uint32(b[26:30]),
	}, nil
}

// NewMemberUID returns a random identifier for this gateway member
func NewMemberUID() []byte {
	id := uuid.New()
	return id[:]
}

func splitAddr(addr string) (net.IP, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return net.IPv6unspecified, 0
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv6unspecified
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		port = 0
	}
	return ip, uint16(port)
}
