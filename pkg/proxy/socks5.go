package proxy

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/cuemby/vpnforge/pkg/types"
)

// SOCKS5 wire constants (RFC 1928/1929).
const (
	socksVersion5 = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyNotAllowed          = 0x02
	replyHostUnreachable     = 0x04
	replyConnectionRefused   = 0x05
	replyCommandNotSupported = 0x07

	userPassAuthVersion = 0x01
)

// handleSocks5Conn implements the RFC 1928/1929 subset spec.md §4.9 asks
// for: greeting + method selection, optional user/pass sub-negotiation,
// CONNECT with IPv4/IPv6/domain addressing. BIND and UDP ASSOCIATE are
// rejected with Command not supported, matching spec.md §6's wire contract.
func (d *DataPlane) handleSocks5Conn(conn net.Conn) {
	if !d.limiters.Allow(conn.RemoteAddr()) {
		metrics.ProxyRateLimitedTotal.WithLabelValues("socks5").Inc()
		writeSocksReply(conn, replyNotAllowed)
		return
	}
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	user, ok := d.socks5Negotiate(conn)
	if !ok {
		return
	}
	conn.SetDeadline(time.Time{})

	s := d.newSession("socks5")
	if user != nil {
		s.userID = user.ID
	}
	defer d.closeSession(s)

	target, ok := d.socks5ReadRequest(conn)
	if !ok {
		return
	}

	upstream, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		code := replyConnectionRefused
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			code = replyHostUnreachable
		}
		writeSocksReply(conn, byte(code))
		return
	}
	if !writeSocksReply(conn, replySucceeded) {
		upstream.Close()
		return
	}
	d.forward(s, conn, upstream)
}

// socks5Negotiate handles the greeting and, if selected, user/pass
// sub-negotiation. Returns the authenticated user (nil if auth is
// disabled), or ok=false if the connection should be dropped.
func (d *DataPlane) socks5Negotiate(conn net.Conn) (*types.User, bool) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil || header[0] != socksVersion5 {
		return nil, false
	}
	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return nil, false
	}

	wantUserPass := d.cfg.AuthRequired
	selected := byte(methodNoAcceptable)
	for _, m := range methods {
		if wantUserPass && m == methodUserPass {
			selected = methodUserPass
			break
		}
		if !wantUserPass && m == methodNoAuth {
			selected = methodNoAuth
			break
		}
	}
	if _, err := conn.Write([]byte{socksVersion5, selected}); err != nil {
		return nil, false
	}
	if selected == methodNoAcceptable {
		return nil, false
	}
	if selected == methodNoAuth {
		return nil, true
	}
	return d.socks5UserPassAuth(conn)
}

func (d *DataPlane) socks5UserPassAuth(conn net.Conn) (*types.User, bool) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil || header[0] != userPassAuthVersion {
		return nil, false
	}
	username := make([]byte, header[1])
	if _, err := io.ReadFull(conn, username); err != nil {
		return nil, false
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return nil, false
	}
	password := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, password); err != nil {
		return nil, false
	}

	user, err := d.authenticate(string(username), string(password), conn.RemoteAddr())
	if err != nil {
		metrics.ProxyAuthFailuresTotal.WithLabelValues("socks5").Inc()
		conn.Write([]byte{userPassAuthVersion, 0x01})
		return nil, false
	}
	if _, err := conn.Write([]byte{userPassAuthVersion, 0x00}); err != nil {
		return nil, false
	}
	return user, true
}

func (d *DataPlane) socks5ReadRequest(conn net.Conn) (string, bool) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil || header[0] != socksVersion5 {
		return "", false
	}
	cmd, atyp := header[1], header[3]
	if cmd != cmdConnect {
		writeSocksReply(conn, replyCommandNotSupported)
		return "", false
	}

	var host string
	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", false
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", false
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return "", false
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", false
		}
		host = string(domain)
	default:
		writeSocksReply(conn, replyGeneralFailure)
		return "", false
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return "", false
	}
	port := binary.BigEndian.Uint16(portBytes)
	return net.JoinHostPort(host, strconv.Itoa(int(port))), true
}

// writeSocksReply writes a CONNECT reply with a zeroed BND.ADDR/BND.PORT:
// this proxy does not expose a distinct bind address, so the convention
// (also used by most minimal SOCKS5 servers) is to echo back 0.0.0.0:0.
func writeSocksReply(conn net.Conn, code byte) bool {
	reply := []byte{socksVersion5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err == nil
}
