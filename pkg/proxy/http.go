package proxy

import (
	"bufio"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/cuemby/vpnforge/pkg/types"
)

// hopByHopHeaders lists the headers RFC 7230 §6.1 says must not be
// forwarded past the proxy (spec.md §6's wire-protocol contract).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// handleHTTPConn implements spec.md §4.9's HTTP proxy: CONNECT tunnels are
// spliced bidirectionally after a 200 response; absolute-URI requests are
// replayed to the target and the response streamed back.
func (d *DataPlane) handleHTTPConn(conn net.Conn) {
	if !d.limiters.Allow(conn.RemoteAddr()) {
		metrics.ProxyRateLimitedTotal.WithLabelValues("http").Inc()
		return
	}

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}

	user, authErr := d.authorizeHTTP(req, conn.RemoteAddr())
	if authErr != nil {
		metrics.ProxyAuthFailuresTotal.WithLabelValues("http").Inc()
		writeHTTPError(conn, http.StatusProxyAuthRequired, "Proxy Authentication Required")
		return
	}

	s := d.newSession("http")
	if user != nil {
		s.userID = user.ID
	}
	defer d.closeSession(s)

	if req.Method == http.MethodConnect {
		d.handleConnect(conn, req, s)
		return
	}
	d.handleAbsoluteURI(conn, req, s)
}

func (d *DataPlane) authorizeHTTP(req *http.Request, remote net.Addr) (*types.User, error) {
	if !d.cfg.AuthRequired {
		return nil, nil
	}
	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return nil, apperr.New(apperr.KindAuthRequired, "ProxyDataPlane", "missing Proxy-Authorization header")
	}
	username, password, ok := parseBasicAuth(header)
	if !ok {
		return nil, apperr.New(apperr.KindAuthFailed, "ProxyDataPlane", "malformed Proxy-Authorization header")
	}
	return d.authenticate(username, password, remote)
}

func parseBasicAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func writeHTTPError(conn net.Conn, status int, msg string) {
	body := strings.NewReader(msg + "\n")
	header := http.Header{}
	if status == http.StatusProxyAuthRequired {
		header.Set("Proxy-Authenticate", `Basic realm="vpnforge"`)
	}
	resp := http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(body),
		ContentLength: int64(body.Len()),
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	resp.Write(conn)
}

func (d *DataPlane) handleConnect(conn net.Conn, req *http.Request, s *session) {
	upstream, err := net.DialTimeout("tcp", req.Host, 10*time.Second)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		upstream.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})
	d.forward(s, conn, upstream)
}

// handleAbsoluteURI forwards a non-CONNECT request whose RequestURI is an
// absolute URI (the "plain HTTP over a proxy" case) to its target and
// streams the response back unmodified apart from hop-by-hop stripping and
// a Via header (spec.md §6).
func (d *DataPlane) handleAbsoluteURI(conn net.Conn, req *http.Request, s *session) {
	if req.URL.Host == "" {
		writeHTTPError(conn, http.StatusBadRequest, "Bad Request")
		return
	}
	upstream, err := net.DialTimeout("tcp", hostWithPort(req.URL), 10*time.Second)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer upstream.Close()

	stripHopByHop(req.Header)
	req.Header.Add("Via", "1.1 vpnforge")
	req.RequestURI = ""

	upstream.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := req.Write(upstream); err != nil {
		return
	}
	upstream.SetWriteDeadline(time.Time{})

	upReader := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upReader, req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	stripHopByHop(resp.Header)
	resp.Header.Add("Via", "1.1 vpnforge")

	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	resp.Write(conn)
	s.down += resp.ContentLength
}

func hostWithPort(u *url.URL) string {
	if u.Port() != "" {
		return net.JoinHostPort(u.Hostname(), u.Port())
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
