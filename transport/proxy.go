package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ProxyConfig routes the server connection through a proxy.
type ProxyConfig struct {
	Type     string `yaml:"type"` // "socks5" or "http"
	Host     string `yaml:"host"`
	Port     uint16 `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// contextDialer is satisfied by net.Dialer and by the proxy dialers.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// newDialer returns a direct dialer for a nil config, or a dialer that
// tunnels through the configured proxy.
func newDialer(config *ProxyConfig, timeout time.Duration) (contextDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if config == nil {
		return direct, nil
	}

	proxyAddr := net.JoinHostPort(config.Host, strconv.Itoa(int(config.Port)))

	switch config.Type {
	case "socks5":
		var auth *proxy.Auth
		if config.Username != "" || config.Password != "" {
			auth = &proxy.Auth{
				User:     config.Username,
				Password: config.Password,
			}
		}
		d, err := proxy.SOCKS5("tcp", proxyAddr, auth, direct)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "newDialer",
				"proxy_addr": proxyAddr,
				"error":      err.Error(),
			}).Error("Failed to create SOCKS5 dialer")
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		return cd, nil

	case "http":
		var userInfo *url.Userinfo
		if config.Username != "" {
			if config.Password != "" {
				userInfo = url.UserPassword(config.Username, config.Password)
			} else {
				userInfo = url.User(config.Username)
			}
		}
		return &httpProxyDialer{
			proxyURL: &url.URL{Scheme: "http", Host: proxyAddr, User: userInfo},
			direct:   direct,
			timeout:  timeout,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5' or 'http')", config.Type)
	}
}

// httpProxyDialer tunnels TCP through an HTTP CONNECT proxy.
type httpProxyDialer struct {
	proxyURL *url.URL
	direct   *net.Dialer
	timeout  time.Duration
}

// DialContext connects to addr via the proxy.
func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("HTTP CONNECT proxy only supports TCP, got: %s", network)
	}

	proxyConn, err := d.direct.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		connectReq.SetBasicAuth(d.proxyURL.User.Username(), password)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	if err := proxyConn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}

	// A successful CONNECT response body is the tunnel itself, so it is
	// never closed or drained here.
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		proxyConn.Close()
		return nil, fmt.Errorf("proxy returned non-200 status: %s", resp.Status)
	}
	if err := proxyConn.SetReadDeadline(time.Time{}); err != nil {
		proxyConn.Close()
		return nil, err
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, r: br}, nil
	}
	return proxyConn, nil
}

// bufferedConn returns bytes read past the CONNECT response before
// reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
