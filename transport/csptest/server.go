// Package csptest provides a chat server for tests of the client side
// of the server protocol, in the manner of net/http/httptest.
package csptest

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/protocol"
	"github.com/opd-ai/cspcore/transport"
)

const handshakeTimeout = 5 * time.Second

// Server accepts logins from registered identities and exposes every
// logged-in session to the test.
type Server struct {
	listener net.Listener
	keyPair  *crypto.KeyPair

	mu       sync.Mutex
	autoEcho bool
	autoAck  bool
	clients  map[protocol.Identity][32]byte
	sessions []*Session
	logins   chan *Session
	closed   bool
	wg       sync.WaitGroup
}

// NewServer starts a server on a loopback port.
func NewServer() *Server {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("csptest: failed to listen: %v", err))
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(fmt.Sprintf("csptest: failed to generate key: %v", err))
	}
	s := &Server{
		listener: l,
		keyPair:  kp,
		autoEcho: true,
		autoAck:  true,
		clients:  make(map[protocol.Identity][32]byte),
		logins:   make(chan *Session, 16),
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

// AddClient registers the long-term public key of an identity.
func (s *Server) AddClient(id protocol.Identity, publicKey [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[id] = publicKey
}

// SetAutoEcho controls whether echo requests are answered. It is on by
// default.
func (s *Server) SetAutoEcho(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoEcho = on
}

// SetAutoAck controls whether outgoing messages are acknowledged. It is
// on by default.
func (s *Server) SetAutoAck(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAck = on
}

func (s *Server) autoReplies() (echo, ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoEcho, s.autoAck
}

// PublicKey returns the long-term server key.
func (s *Server) PublicKey() [32]byte { return s.keyPair.Public }

// Info returns the ServerInfo a client needs to reach this server.
func (s *Server) Info() transport.ServerInfo {
	addr := s.listener.Addr().(*net.TCPAddr)
	return transport.ServerInfo{
		Host:      "127.0.0.1",
		Ports:     []uint16{uint16(addr.Port)},
		PublicKey: s.keyPair.Public,
	}
}

// WaitLogin returns the next session that completed the login.
func (s *Server) WaitLogin(timeout time.Duration) (*Session, error) {
	select {
	case sess := <-s.logins:
		return sess, nil
	case <-time.After(timeout):
		return nil, errors.New("csptest: timed out waiting for login")
	}
}

// Close stops accepting and closes every session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := append([]*Session(nil), s.sessions...)
	s.mu.Unlock()

	s.listener.Close()
	for _, sess := range sessions {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	sess, err := s.login(conn)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"error":    err.Error(),
		}).Debug("csptest: login failed")
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	select {
	case s.logins <- sess:
	default:
	}
	sess.readLoop(s)
}

func (s *Server) login(conn net.Conn) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}

	hello := make([]byte, crypto.KeySize+protocol.CookieLen)
	if _, err := io.ReadFull(conn, hello); err != nil {
		return nil, err
	}
	var clientTempKey [32]byte
	var clientCookie, serverCookie [protocol.CookieLen]byte
	copy(clientTempKey[:], hello[:crypto.KeySize])
	copy(clientCookie[:], hello[crypto.KeySize:])
	if _, err := rand.Read(serverCookie[:]); err != nil {
		return nil, err
	}
	clientNonce := transport.NewNonceCounter(clientCookie)
	serverNonce := transport.NewNonceCounter(serverCookie)

	tempKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	serverHello := append(append([]byte(nil), tempKey.Public[:]...), clientCookie[:]...)
	out := append(append([]byte(nil), serverCookie[:]...),
		crypto.Encrypt(serverHello, serverNonce.Next(), clientTempKey, s.keyPair.Private)...)
	if _, err := conn.Write(out); err != nil {
		return nil, err
	}

	key, err := crypto.SharedSecret(clientTempKey, tempKey.Private)
	if err != nil {
		return nil, err
	}

	loginBox := make([]byte, 128+crypto.BoxOverhead)
	if _, err := io.ReadFull(conn, loginBox); err != nil {
		return nil, err
	}
	login, err := crypto.DecryptShared(loginBox, clientNonce.Next(), key)
	if err != nil {
		return nil, errors.New("login decryption failed")
	}
	id, err := protocol.ParseIdentity(login[:protocol.IdentityLen])
	if err != nil {
		return nil, err
	}
	version := login[8:40]
	if !bytes.HasPrefix(version, []byte(transport.VersionMagic)) {
		return nil, errors.New("extensions not announced")
	}
	extLen := int(binary.LittleEndian.Uint16(version[len(transport.VersionMagic):]))
	if !bytes.Equal(login[40:56], serverCookie[:]) {
		return nil, errors.New("server cookie mismatch")
	}
	if err := s.checkVouch(id, login[80:112], tempKey, serverCookie, clientTempKey); err != nil {
		return nil, err
	}

	extBox := make([]byte, extLen)
	if _, err := io.ReadFull(conn, extBox); err != nil {
		return nil, err
	}
	extPlain, err := crypto.DecryptShared(extBox, clientNonce.Next(), key)
	if err != nil {
		return nil, errors.New("extensions decryption failed")
	}
	extensions, err := transport.ParseExtensions(extPlain)
	if err != nil {
		return nil, err
	}

	ack := make([]byte, 16)
	binary.LittleEndian.PutUint64(ack[4:12], uint64(time.Now().Unix()))
	if _, err := conn.Write(crypto.EncryptShared(ack, serverNonce.Next(), key)); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return &Session{
		Identity:    id,
		Extensions:  extensions,
		Received:    make(chan transport.Payload, 256),
		conn:        conn,
		key:         key,
		clientNonce: clientNonce,
		serverNonce: serverNonce,
		done:        make(chan struct{}),
	}, nil
}

func (s *Server) checkVouch(id protocol.Identity, vouch []byte, tempKey *crypto.KeyPair, serverCookie [protocol.CookieLen]byte, clientTempKey [32]byte) error {
	s.mu.Lock()
	clientKey, ok := s.clients[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown identity %s", id)
	}

	ss1, err := crypto.SharedSecret(clientKey, s.keyPair.Private)
	if err != nil {
		return err
	}
	ss2, err := crypto.SharedSecret(clientKey, tempKey.Private)
	if err != nil {
		return err
	}
	vouchKey, err := crypto.DeriveKey(crypto.PersonalCSP, "v2", append(ss1[:], ss2[:]...))
	if err != nil {
		return err
	}
	want, err := crypto.MAC(vouchKey[:], serverCookie[:], clientTempKey[:])
	if err != nil {
		return err
	}
	if !bytes.Equal(want[:], vouch) {
		return errors.New("vouch mismatch")
	}
	return nil
}

// Session is one logged-in client connection.
type Session struct {
	Identity   protocol.Identity
	Extensions map[byte][]byte
	// Received gets every payload the client sends.
	Received chan transport.Payload

	conn        net.Conn
	key         [32]byte
	clientNonce *transport.NonceCounter
	serverNonce *transport.NonceCounter

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Send writes a payload to the client.
func (s *Session) Send(p transport.Payload) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	box, err := transport.SealFrame(p, s.key, s.serverNonce)
	if err != nil {
		return err
	}
	return transport.WriteFrame(s.conn, box)
}

// Next returns the next payload of type t the client sent, skipping
// others.
func (s *Session) Next(t protocol.PayloadType, timeout time.Duration) (transport.Payload, error) {
	deadline := time.After(timeout)
	for {
		select {
		case p := <-s.Received:
			if p.Type == t {
				return p, nil
			}
		case <-deadline:
			return transport.Payload{}, fmt.Errorf("csptest: timed out waiting for %s", t)
		}
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close drops the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		close(s.done)
	})
}

func (s *Session) readLoop(srv *Server) {
	defer s.Close()
	for {
		box, err := transport.ReadFrame(s.conn)
		if err != nil {
			return
		}
		p, err := transport.OpenFrame(box, s.key, s.clientNonce)
		if err != nil {
			return
		}

		autoEcho, autoAck := srv.autoReplies()
		switch {
		case p.Type == protocol.PayloadEchoRequest && autoEcho:
			if err := s.Send(transport.Payload{Type: protocol.PayloadEchoReply, Data: p.Data}); err != nil {
				return
			}
		case p.Type == protocol.PayloadOutgoingMessage && autoAck && len(p.Data) >= 24:
			// recipient then message id, taken from the envelope header
			ack := append(append([]byte(nil), p.Data[8:16]...), p.Data[16:24]...)
			if err := s.Send(transport.Payload{Type: protocol.PayloadOutgoingMessageAck, Data: ack}); err != nil {
				return
			}
		}

		select {
		case s.Received <- p:
		default:
		}
	}
}
