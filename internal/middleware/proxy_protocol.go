package middleware

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// proxyHeaderTimeout bounds how long a client may take to send the
// PROXY line before the connection is dropped.
const proxyHeaderTimeout = 5 * time.Second

// ProxyListener unwraps PROXY protocol v1 headers sent by load
// balancers, so RemoteAddr reflects the original client. Connections
// without a valid header are dropped.
type ProxyListener struct {
	net.Listener
}

func NewProxyListener(ln net.Listener) *ProxyListener {
	return &ProxyListener{Listener: ln}
}

func (l *ProxyListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		pc, err := wrapProxyConn(conn)
		if err != nil {
			conn.Close()
			continue
		}
		return pc, nil
	}
}

// proxyConn carries the buffered reader forward so bytes read past the
// header line are not lost.
type proxyConn struct {
	net.Conn
	r      *bufio.Reader
	remote net.Addr
}

func (c *proxyConn) Read(p []byte) (int, error) { return c.r.Read(p) }
func (c *proxyConn) RemoteAddr() net.Addr       { return c.remote }

func wrapProxyConn(conn net.Conn) (net.Conn, error) {
	conn.SetReadDeadline(time.Now().Add(proxyHeaderTimeout))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read proxy protocol header: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	src, err := parseProxyHeader(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return nil, err
	}
	return &proxyConn{Conn: conn, r: r, remote: src}, nil
}

// parseProxyHeader parses a PROXY protocol v1 line:
// "PROXY TCP4 srcIP dstIP srcPort dstPort".
func parseProxyHeader(line string) (net.Addr, error) {
	if !strings.HasPrefix(line, "PROXY ") {
		return nil, fmt.Errorf("invalid proxy protocol header")
	}

	parts := strings.Fields(line)
	if len(parts) < 6 {
		return nil, fmt.Errorf("invalid proxy protocol header: not enough fields")
	}

	proto := parts[1]
	if proto != "TCP4" && proto != "TCP6" {
		return nil, fmt.Errorf("unsupported proxy protocol: %s", proto)
	}

	ip := net.ParseIP(parts[2])
	if ip == nil {
		return nil, fmt.Errorf("invalid source IP: %s", parts[2])
	}
	port, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, fmt.Errorf("invalid source port: %s", parts[4])
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}
