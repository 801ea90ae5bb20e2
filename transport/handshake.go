package transport

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/protocol"
)

// Handshake field sizes.
const (
	serverHelloLen    = crypto.KeySize + protocol.CookieLen
	serverHelloBoxLen = serverHelloLen + crypto.BoxOverhead
	versionFieldLen   = 32
	vouchLen          = 32
	loginReserved1Len = 24
	loginReserved2Len = 16
	loginLen          = protocol.IdentityLen + versionFieldLen + protocol.CookieLen + loginReserved1Len + vouchLen + loginReserved2Len
	loginBoxLen       = loginLen + crypto.BoxOverhead
	loginAckBoxLen    = loginAckLen + crypto.BoxOverhead
)

// VersionMagic starts the login version field and announces the
// extensions box that follows the login box.
const VersionMagic = "threema-clever-extension-field"

// Extension types sent after the login.
const (
	ExtClientInfo     byte = 0x00
	ExtPayloadVersion byte = 0x02
	ExtDeviceCookie   byte = 0x03
)

const payloadVersion = 0x01

const vouchSalt = "v2"

// session holds the keys of a logged-in connection.
type session struct {
	key         [32]byte
	clientNonce *NonceCounter
	serverNonce *NonceCounter
	ack         LoginAck
}

func (s *session) wipe() { crypto.WipeKey(&s.key) }

// handshake runs the client side of the login on rw. The caller sets
// deadlines.
type handshake struct {
	identity     identity.Store
	server       ServerInfo
	tempKey      *crypto.KeyPair
	clientInfo   string
	deviceCookie []byte
}

func (h *handshake) run(rw io.ReadWriter) (*session, error) {
	var clientCookie [protocol.CookieLen]byte
	if _, err := rand.Read(clientCookie[:]); err != nil {
		return nil, err
	}

	hello := make([]byte, 0, crypto.KeySize+protocol.CookieLen)
	hello = append(hello, h.tempKey.Public[:]...)
	hello = append(hello, clientCookie[:]...)
	if _, err := rw.Write(hello); err != nil {
		return nil, fmt.Errorf("failed to send client hello: %w", err)
	}

	var serverCookie [protocol.CookieLen]byte
	if _, err := io.ReadFull(rw, serverCookie[:]); err != nil {
		return nil, fmt.Errorf("failed to read server cookie: %w", err)
	}
	serverNonce := NewNonceCounter(serverCookie)
	clientNonce := NewNonceCounter(clientCookie)

	helloBox := make([]byte, serverHelloBoxLen)
	if _, err := io.ReadFull(rw, helloBox); err != nil {
		return nil, fmt.Errorf("failed to read server hello: %w", err)
	}

	serverKey, serverHello, err := h.openServerHello(helloBox, serverNonce.Next())
	if err != nil {
		return nil, err
	}
	var serverTempKey [32]byte
	copy(serverTempKey[:], serverHello[:crypto.KeySize])
	if !bytes.Equal(serverHello[crypto.KeySize:], clientCookie[:]) {
		return nil, fmt.Errorf("%w: client cookie mismatch", ErrHandshake)
	}

	logrus.WithField("function", "handshake").Debug("Server hello successful")

	key, err := crypto.SharedSecret(serverTempKey, h.tempKey.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	loginNonce := clientNonce.Next()
	extensionsNonce := clientNonce.Next()

	extensionsBox := crypto.EncryptShared(h.extensions(), extensionsNonce, key)
	vouch, err := h.vouch(serverKey, serverTempKey, serverCookie)
	if err != nil {
		crypto.WipeKey(&key)
		return nil, err
	}

	login := make([]byte, 0, loginLen)
	id := h.identity.Identity().Bytes()
	login = append(login, id[:]...)
	login = append(login, versionField(len(extensionsBox))...)
	login = append(login, serverCookie[:]...)
	login = append(login, make([]byte, loginReserved1Len)...)
	login = append(login, vouch[:]...)
	login = append(login, make([]byte, loginReserved2Len)...)

	out := crypto.EncryptShared(login, loginNonce, key)
	out = append(out, extensionsBox...)
	if _, err := rw.Write(out); err != nil {
		crypto.WipeKey(&key)
		return nil, fmt.Errorf("failed to send login: %w", err)
	}

	ackBox := make([]byte, loginAckBoxLen)
	if _, err := io.ReadFull(rw, ackBox); err != nil {
		crypto.WipeKey(&key)
		return nil, fmt.Errorf("failed to read login ack: %w", err)
	}
	ack, err := crypto.DecryptShared(ackBox, serverNonce.Next(), key)
	if err != nil {
		crypto.WipeKey(&key)
		return nil, fmt.Errorf("%w: login ack decryption failed", ErrHandshake)
	}

	return &session{
		key:         key,
		clientNonce: clientNonce,
		serverNonce: serverNonce,
		ack:         parseLoginAck(ack),
	}, nil
}

// openServerHello tries the primary server key, then the alternate one.
func (h *handshake) openServerHello(box []byte, nonce crypto.Nonce) ([32]byte, []byte, error) {
	for _, pk := range [][32]byte{h.server.PublicKey, h.server.AltPublicKey} {
		if pk == ([32]byte{}) {
			continue
		}
		if plain, err := crypto.Decrypt(box, nonce, pk, h.tempKey.Private); err == nil {
			return pk, plain, nil
		}
	}
	return [32]byte{}, nil, fmt.Errorf("%w: server hello decryption failed", ErrHandshake)
}

// vouch proves possession of the long-term key to the server.
func (h *handshake) vouch(serverKey, serverTempKey [32]byte, serverCookie [protocol.CookieLen]byte) ([32]byte, error) {
	ss1, err := h.identity.SharedSecret(serverKey)
	if err != nil {
		return [32]byte{}, err
	}
	ss2, err := h.identity.SharedSecret(serverTempKey)
	if err != nil {
		return [32]byte{}, err
	}
	secrets := append(append(make([]byte, 0, 64), ss1[:]...), ss2[:]...)
	defer crypto.ZeroBytes(secrets)

	vouchKey, err := crypto.DeriveKey(crypto.PersonalCSP, vouchSalt, secrets)
	if err != nil {
		return [32]byte{}, err
	}
	defer crypto.WipeKey(&vouchKey)
	return crypto.MAC(vouchKey[:], serverCookie[:], h.tempKey.Public[:])
}

func versionField(extensionsLen int) []byte {
	field := make([]byte, versionFieldLen)
	copy(field, VersionMagic)
	binary.LittleEndian.PutUint16(field[len(VersionMagic):], uint16(extensionsLen))
	return field
}

func appendExtension(b []byte, typ byte, value []byte) []byte {
	b = append(b, typ)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

func (h *handshake) extensions() []byte {
	var b []byte
	b = appendExtension(b, ExtClientInfo, []byte(h.clientInfo))
	b = appendExtension(b, ExtPayloadVersion, []byte{payloadVersion})
	if len(h.deviceCookie) > 0 {
		b = appendExtension(b, ExtDeviceCookie, h.deviceCookie)
	}
	return b
}

// ParseExtensions splits an extensions plaintext into its records.
func ParseExtensions(b []byte) (map[byte][]byte, error) {
	out := make(map[byte][]byte)
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, protocolError("truncated extension header")
		}
		typ := b[0]
		n := int(binary.LittleEndian.Uint16(b[1:3]))
		if len(b) < 3+n {
			return nil, protocolError("truncated extension 0x%02x", typ)
		}
		out[typ] = b[3 : 3+n]
		b = b[3+n:]
	}
	return out, nil
}
