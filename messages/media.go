package messages

import (
	"encoding/binary"
	"time"

	"github.com/opd-ai/cspcore/protocol"
)

// BlobID identifies an uploaded blob on the blob server.
type BlobID [protocol.BlobIDLen]byte

// BlobRef points at an encrypted blob and carries its symmetric key.
type BlobRef struct {
	ID   BlobID
	Size uint32
	Key  [protocol.BlobKeyLen]byte
}

const blobRefLen = protocol.BlobIDLen + 4 + protocol.BlobKeyLen

func (r BlobRef) appendTo(b []byte) []byte {
	b = append(b, r.ID[:]...)
	b = binary.LittleEndian.AppendUint32(b, r.Size)
	return append(b, r.Key[:]...)
}

func parseBlobRef(b []byte) BlobRef {
	var r BlobRef
	copy(r.ID[:], b[:protocol.BlobIDLen])
	r.Size = binary.LittleEndian.Uint32(b[protocol.BlobIDLen:])
	copy(r.Key[:], b[protocol.BlobIDLen+4:blobRefLen])
	return r
}

// Image is the legacy 1:1 image message. The blob is box-encrypted to
// the recipient under Nonce.
type Image struct {
	Header
	BlobID BlobID
	Size   uint32
	Nonce  [24]byte
}

const imageLen = protocol.BlobIDLen + 4 + 24

func (*Image) Type() protocol.MsgType { return protocol.MsgImage }
func (*Image) AllowUserProfileDistribution() bool { return true }

func (m *Image) Body() ([]byte, error) {
	b := make([]byte, 0, imageLen)
	b = append(b, m.BlobID[:]...)
	b = binary.LittleEndian.AppendUint32(b, m.Size)
	return append(b, m.Nonce[:]...), nil
}

func parseImage(body []byte) (Message, error) {
	if len(body) != imageLen {
		return nil, badLength("image", len(body))
	}
	m := &Image{}
	copy(m.BlobID[:], body[:protocol.BlobIDLen])
	m.Size = binary.LittleEndian.Uint32(body[protocol.BlobIDLen:])
	copy(m.Nonce[:], body[protocol.BlobIDLen+4:])
	return m, nil
}

// VideoClip describes a video blob with its thumbnail. Both blobs share
// one key.
type VideoClip struct {
	Duration      time.Duration // whole seconds on the wire
	VideoBlobID   BlobID
	VideoSize     uint32
	ThumbBlobID   BlobID
	ThumbSize     uint32
	EncryptionKey [protocol.BlobKeyLen]byte
}

const videoClipLen = 2 + 2*(protocol.BlobIDLen+4) + protocol.BlobKeyLen

func durationSeconds(d time.Duration) uint16 {
	s := d / time.Second
	if s > 0xffff {
		s = 0xffff
	}
	return uint16(s)
}

func (v VideoClip) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, durationSeconds(v.Duration))
	b = append(b, v.VideoBlobID[:]...)
	b = binary.LittleEndian.AppendUint32(b, v.VideoSize)
	b = append(b, v.ThumbBlobID[:]...)
	b = binary.LittleEndian.AppendUint32(b, v.ThumbSize)
	return append(b, v.EncryptionKey[:]...)
}

func parseVideoClip(b []byte) VideoClip {
	var v VideoClip
	v.Duration = time.Duration(binary.LittleEndian.Uint16(b)) * time.Second
	b = b[2:]
	copy(v.VideoBlobID[:], b)
	v.VideoSize = binary.LittleEndian.Uint32(b[protocol.BlobIDLen:])
	b = b[protocol.BlobIDLen+4:]
	copy(v.ThumbBlobID[:], b)
	v.ThumbSize = binary.LittleEndian.Uint32(b[protocol.BlobIDLen:])
	copy(v.EncryptionKey[:], b[protocol.BlobIDLen+4:])
	return v
}

// Video is a 1:1 video message.
type Video struct {
	Header
	VideoClip
}

func (*Video) Type() protocol.MsgType { return protocol.MsgVideo }
func (*Video) AllowUserProfileDistribution() bool { return true }
func (m *Video) Body() ([]byte, error) { return m.VideoClip.appendTo(nil), nil }

func parseVideo(body []byte) (Message, error) {
	if len(body) != videoClipLen {
		return nil, badLength("video", len(body))
	}
	return &Video{VideoClip: parseVideoClip(body)}, nil
}

// GroupVideo is a video message sent to a group.
type GroupVideo struct {
	GroupHeader
	VideoClip
}

func (*GroupVideo) Type() protocol.MsgType { return protocol.MsgGroupVideo }
func (*GroupVideo) AllowUserProfileDistribution() bool { return true }

func (m *GroupVideo) Body() ([]byte, error) {
	return m.VideoClip.appendTo(m.Group.appendTo(nil)), nil
}

func parseGroupVideo(body []byte) (Message, error) {
	if len(body) != groupIdentityLen+videoClipLen {
		return nil, badLength("group video", len(body))
	}
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	m := &GroupVideo{VideoClip: parseVideoClip(rest)}
	m.Group = g
	return m, nil
}

// AudioClip is a voice message blob.
type AudioClip struct {
	Duration time.Duration // whole seconds on the wire
	Blob     BlobRef
}

const audioClipLen = 2 + blobRefLen

func (a AudioClip) appendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, durationSeconds(a.Duration))
	return a.Blob.appendTo(b)
}

func parseAudioClip(b []byte) AudioClip {
	return AudioClip{
		Duration: time.Duration(binary.LittleEndian.Uint16(b)) * time.Second,
		Blob:     parseBlobRef(b[2:]),
	}
}

// Audio is a 1:1 voice message.
type Audio struct {
	Header
	AudioClip
}

func (*Audio) Type() protocol.MsgType { return protocol.MsgAudio }
func (*Audio) AllowUserProfileDistribution() bool { return true }
func (m *Audio) Body() ([]byte, error) { return m.AudioClip.appendTo(nil), nil }

func parseAudio(body []byte) (Message, error) {
	if len(body) != audioClipLen {
		return nil, badLength("audio", len(body))
	}
	return &Audio{AudioClip: parseAudioClip(body)}, nil
}

// GroupAudio is a voice message sent to a group.
type GroupAudio struct {
	GroupHeader
	AudioClip
}

func (*GroupAudio) Type() protocol.MsgType { return protocol.MsgGroupAudio }
func (*GroupAudio) AllowUserProfileDistribution() bool { return true }

func (m *GroupAudio) Body() ([]byte, error) {
	return m.AudioClip.appendTo(m.Group.appendTo(nil)), nil
}

func parseGroupAudio(body []byte) (Message, error) {
	if len(body) != groupIdentityLen+audioClipLen {
		return nil, badLength("group audio", len(body))
	}
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	m := &GroupAudio{AudioClip: parseAudioClip(rest)}
	m.Group = g
	return m, nil
}

// GroupImage is an image sent to a group. Unlike Image the blob is
// secretbox-encrypted with the carried key.
type GroupImage struct {
	GroupHeader
	Blob BlobRef
}

func (*GroupImage) Type() protocol.MsgType { return protocol.MsgGroupImage }
func (*GroupImage) AllowUserProfileDistribution() bool { return true }

func (m *GroupImage) Body() ([]byte, error) {
	return m.Blob.appendTo(m.Group.appendTo(nil)), nil
}

func parseGroupImage(body []byte) (Message, error) {
	if len(body) != groupIdentityLen+blobRefLen {
		return nil, badLength("group image", len(body))
	}
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	m := &GroupImage{Blob: parseBlobRef(rest)}
	m.Group = g
	return m, nil
}

// ContactSetPhoto distributes the sender's profile picture.
type ContactSetPhoto struct {
	Header
	Blob BlobRef
}

func (*ContactSetPhoto) Type() protocol.MsgType { return protocol.MsgContactSetPhoto }
func (*ContactSetPhoto) DefaultFlags() byte { return 0 }
func (m *ContactSetPhoto) Body() ([]byte, error) { return m.Blob.appendTo(nil), nil }

func (*ContactSetPhoto) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

func parseContactSetPhoto(body []byte) (Message, error) {
	if len(body) != blobRefLen {
		return nil, badLength("contact set photo", len(body))
	}
	return &ContactSetPhoto{Blob: parseBlobRef(body)}, nil
}

// ContactDeletePhoto tells the recipient to drop the sender's picture.
type ContactDeletePhoto struct{ Header }

func (*ContactDeletePhoto) Type() protocol.MsgType { return protocol.MsgContactDeletePhoto }
func (*ContactDeletePhoto) DefaultFlags() byte { return 0 }
func (*ContactDeletePhoto) Body() ([]byte, error) { return nil, nil }

func (*ContactDeletePhoto) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

// ContactRequestPhoto asks the recipient to send their picture.
type ContactRequestPhoto struct{ Header }

func (*ContactRequestPhoto) Type() protocol.MsgType { return protocol.MsgContactRequestPhoto }
func (*ContactRequestPhoto) DefaultFlags() byte { return 0 }
func (*ContactRequestPhoto) Body() ([]byte, error) { return nil, nil }

func (*ContactRequestPhoto) MinimumFSVersion() (protocol.FSVersion, bool) {
	return protocol.FSVersion1_1, true
}

func emptyBody(kind string, build func() Message) parser {
	return func(body []byte) (Message, error) {
		if len(body) != 0 {
			return nil, badLength(kind, len(body))
		}
		return build(), nil
	}
}

func init() {
	register(protocol.MsgImage, parseImage)
	register(protocol.MsgVideo, parseVideo)
	register(protocol.MsgAudio, parseAudio)
	register(protocol.MsgGroupImage, parseGroupImage)
	register(protocol.MsgGroupVideo, parseGroupVideo)
	register(protocol.MsgGroupAudio, parseGroupAudio)
	register(protocol.MsgContactSetPhoto, parseContactSetPhoto)
	register(protocol.MsgContactDeletePhoto, emptyBody("contact delete photo", func() Message { return &ContactDeletePhoto{} }))
	register(protocol.MsgContactRequestPhoto, emptyBody("contact request photo", func() Message { return &ContactRequestPhoto{} }))
}
