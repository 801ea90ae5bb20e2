package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cspcore/protocol"
)

// DeviceCookieManager provides the device cookie sent at login and is
// told when the server reports a login with a different cookie.
type DeviceCookieManager interface {
	DeviceCookie() ([]byte, error)
	ChangeIndicationReceived()
}

// FileDeviceCookie keeps the device cookie in a file, creating it on
// first use. An empty path keeps it in memory.
type FileDeviceCookie struct {
	mu       sync.Mutex
	path     string
	cookie   []byte
	onChange func()
}

// NewFileDeviceCookie creates a manager backed by path. onChange may be
// nil.
func NewFileDeviceCookie(path string, onChange func()) *FileDeviceCookie {
	return &FileDeviceCookie{path: path, onChange: onChange}
}

// DeviceCookie returns the cookie, generating and saving it if needed.
func (d *FileDeviceCookie) DeviceCookie() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cookie != nil {
		return d.cookie, nil
	}

	if d.path != "" {
		data, err := os.ReadFile(d.path)
		switch {
		case err == nil && len(data) == protocol.CookieLen:
			d.cookie = data
			return d.cookie, nil
		case err == nil:
			logrus.WithFields(logrus.Fields{
				"function": "DeviceCookie",
				"path":     d.path,
				"size":     len(data),
			}).Warn("Ignoring malformed device cookie file")
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read device cookie: %w", err)
		}
	}

	cookie := make([]byte, protocol.CookieLen)
	if _, err := rand.Read(cookie); err != nil {
		return nil, err
	}
	if d.path != "" {
		if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create device cookie directory: %w", err)
		}
		if err := os.WriteFile(d.path, cookie, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write device cookie: %w", err)
		}
	}
	d.cookie = cookie
	return d.cookie, nil
}

// ChangeIndicationReceived reports that another device logged in with
// this identity.
func (d *FileDeviceCookie) ChangeIndicationReceived() {
	logrus.WithField("function", "ChangeIndicationReceived").Warn("Device cookie change indication received")
	if d.onChange != nil {
		d.onChange()
	}
}
