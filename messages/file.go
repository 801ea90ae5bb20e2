package messages

import (
	"encoding/json"

	"github.com/opd-ai/cspcore/protocol"
)

// Rendering types for file messages.
const (
	RenderingFile    = 0
	RenderingMedia   = 1
	RenderingSticker = 2
)

// FileData is the JSON document of a file message. Blob ids and the key
// are hex encoded.
type FileData struct {
	BlobID            string                 `json:"b"`
	ThumbnailBlobID   string                 `json:"t,omitempty"`
	EncryptionKey     string                 `json:"k"`
	MimeType          string                 `json:"m"`
	ThumbnailMimeType string                 `json:"p,omitempty"`
	FileName          string                 `json:"n,omitempty"`
	FileSize          uint64                 `json:"s"`
	RenderingType     int                    `json:"j"`
	Caption           string                 `json:"d,omitempty"`
	CorrelationID     string                 `json:"c,omitempty"`
	Metadata          map[string]interface{} `json:"x,omitempty"`
}

// File is a 1:1 file message.
type File struct {
	Header
	Data FileData
}

func (*File) Type() protocol.MsgType { return protocol.MsgFile }
func (*File) AllowUserProfileDistribution() bool { return true }
func (m *File) Body() ([]byte, error) { return json.Marshal(m.Data) }

func parseFile(body []byte) (Message, error) {
	m := &File{}
	if err := decodeJSON("file", body, &m.Data); err != nil {
		return nil, err
	}
	return m, nil
}

// GroupFile is a file message sent to a group.
type GroupFile struct {
	GroupHeader
	Data FileData
}

func (*GroupFile) Type() protocol.MsgType { return protocol.MsgGroupFile }
func (*GroupFile) AllowUserProfileDistribution() bool { return true }

func (m *GroupFile) Body() ([]byte, error) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return nil, err
	}
	return append(m.Group.appendTo(nil), data...), nil
}

func parseGroupFile(body []byte) (Message, error) {
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	m := &GroupFile{}
	m.Group = g
	if err := decodeJSON("group file", rest, &m.Data); err != nil {
		return nil, err
	}
	return m, nil
}

func init() {
	register(protocol.MsgFile, parseFile)
	register(protocol.MsgGroupFile, parseGroupFile)
}
