package messages

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cspcore/protocol"
)

func reparse(t *testing.T, m Message) Message {
	t.Helper()
	raw, err := Encode(m)
	require.NoError(t, err)
	require.Equal(t, byte(m.Type()), raw[0])
	out, err := Parse(protocol.MsgType(raw[0]), raw[1:])
	require.NoError(t, err)
	return out
}

func testGroup() GroupIdentity {
	return GroupIdentity{Creator: "CREATOR1", ID: GroupID{1, 2, 3, 4, 5, 6, 7, 8}}
}

func TestBodies(t *testing.T) {
	group := testGroup()
	blob := BlobRef{ID: BlobID{9}, Size: 123456, Key: [32]byte{7}}

	groupText := &GroupText{Text: "hello group"}
	groupText.Group = group

	groupCreate := &GroupCreate{Members: []protocol.Identity{"AAAAAAAA", "BBBBBBBB"}}
	groupCreate.Group.ID = group.ID

	groupLeave := &GroupLeave{}
	groupLeave.Group = group

	groupImage := &GroupImage{Blob: blob}
	groupImage.Group = group

	groupAudio := &GroupAudio{AudioClip: AudioClip{Duration: 12 * time.Second, Blob: blob}}
	groupAudio.Group = group

	groupReaction := &GroupReaction{ReactionContent: ReactionContent{
		MessageID: protocol.MessageIDFromUint64(42), Emoji: "👍", Withdraw: true,
	}}
	groupReaction.Group = group

	tests := []struct {
		name string
		msg  Message
	}{
		{"text", &Text{Text: "hello"}},
		{"group text", groupText},
		{"image", &Image{BlobID: BlobID{1}, Size: 99, Nonce: [24]byte{3}}},
		{"video", &Video{VideoClip: VideoClip{Duration: 5 * time.Second, VideoBlobID: BlobID{1}, VideoSize: 10, ThumbBlobID: BlobID{2}, ThumbSize: 3}}},
		{"audio", &Audio{AudioClip: AudioClip{Duration: 3 * time.Second, Blob: blob}}},
		{"group image", groupImage},
		{"group audio", groupAudio},
		{"group create", groupCreate},
		{"group leave", groupLeave},
		{"contact set photo", &ContactSetPhoto{Blob: blob}},
		{"contact delete photo", &ContactDeletePhoto{}},
		{"receipt", &DeliveryReceipt{Status: ReceiptRead, MessageIDs: []protocol.MessageID{{1}, {2}}}},
		{"typing", &TypingIndicator{Typing: true}},
		{"edit", &EditMessage{EditContent: EditContent{MessageID: protocol.MessageIDFromUint64(7), Text: "fixed"}}},
		{"delete", &DeleteMessage{DeleteContent: DeleteContent{MessageID: protocol.MessageIDFromUint64(8)}}},
		{"group reaction", groupReaction},
		{"empty", &Empty{}},
		{"voip", &Voip{Kind: protocol.MsgVoipCallHangup, Data: json.RawMessage(`{"callId":17}`)}},
		{"ballot vote", &BallotVoteMessage{BallotCreator: "CREATOR1", BallotID: BallotID{5}, Votes: []BallotVote{{ChoiceID: 1, Value: 1}}}},
		{"file", &File{Data: FileData{BlobID: "00ff", EncryptionKey: "aa", MimeType: "text/plain", FileSize: 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.msg, reparse(t, tt.msg))
		})
	}
}

func TestParseRejectsBadLengths(t *testing.T) {
	tests := []struct {
		name string
		typ  protocol.MsgType
		body []byte
	}{
		{"empty text", protocol.MsgText, nil},
		{"short image", protocol.MsgImage, make([]byte, imageLen-1)},
		{"long audio", protocol.MsgAudio, make([]byte, audioClipLen+1)},
		{"group create without members", protocol.MsgGroupCreate, make([]byte, protocol.GroupIDLen)},
		{"group create partial member", protocol.MsgGroupCreate, append(make([]byte, protocol.GroupIDLen), []byte("AAAAAAAAB")...)},
		{"receipt without ids", protocol.MsgDeliveryReceipt, []byte{1}},
		{"receipt partial id", protocol.MsgDeliveryReceipt, make([]byte, 1+protocol.MessageIDLen+3)},
		{"typing too long", protocol.MsgTypingIndicator, []byte{1, 1}},
		{"request photo with body", protocol.MsgContactRequestPhoto, []byte{0}},
		{"group request sync", protocol.MsgGroupRequestSync, make([]byte, groupIdentityLen)},
		{"voip not json", protocol.MsgVoipCallOffer, []byte("nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.typ, tt.body)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse(protocol.MsgType(0x77), []byte{1})
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.False(t, Known(protocol.MsgType(0x77)))
	assert.True(t, Known(protocol.MsgText))
}

func TestLocation(t *testing.T) {
	m, err := Parse(protocol.MsgLocation, []byte("47.3712,8.5389,10.5\nMain Station\nBahnhofplatz\\n8001 Zurich"))
	require.NoError(t, err)
	loc := m.(*Location)
	assert.InDelta(t, 47.3712, loc.Latitude, 1e-9)
	assert.InDelta(t, 8.5389, loc.Longitude, 1e-9)
	assert.InDelta(t, 10.5, loc.Accuracy, 1e-9)
	assert.Equal(t, "Main Station", loc.POIName)
	assert.Equal(t, "Bahnhofplatz\n8001 Zurich", loc.Address)

	assert.Equal(t, loc, reparse(t, loc))

	m, err = Parse(protocol.MsgLocation, []byte("1.5,2.5\nSomewhere"))
	require.NoError(t, err)
	assert.Equal(t, "Somewhere", m.(*Location).Address)
	assert.Empty(t, m.(*Location).POIName)

	_, err = Parse(protocol.MsgLocation, []byte("91,0"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Parse(protocol.MsgLocation, []byte("0,181"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Parse(protocol.MsgLocation, []byte("abc"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFlagsAndVersions(t *testing.T) {
	text := &Text{}
	assert.Equal(t, protocol.FlagSendPush, Flags(text))
	text.Flags = protocol.FlagNoDeliveryReceipts
	assert.Equal(t, protocol.FlagSendPush|protocol.FlagNoDeliveryReceipts, Flags(text))
	assert.True(t, text.AllowUserProfileDistribution())

	typing := &TypingIndicator{}
	assert.Equal(t, protocol.FlagNoServerQueuing|protocol.FlagNoServerAck, Flags(typing))
	assert.False(t, typing.AllowUserProfileDistribution())

	groupText := &GroupText{}
	assert.Equal(t, protocol.FlagSendPush|protocol.FlagGroup, Flags(groupText))
	assert.Equal(t, protocol.FlagGroup, Flags(&GroupLeave{}))

	tests := []struct {
		msg     Message
		version protocol.FSVersion
		ok      bool
	}{
		{&Text{}, protocol.FSVersion1_0, true},
		{&File{}, protocol.FSVersion1_0, true},
		{&DeliveryReceipt{}, protocol.FSVersion1_1, true},
		{&TypingIndicator{}, protocol.FSVersion1_1, true},
		{&Reaction{}, protocol.FSVersion1_1, true},
		{&Empty{}, protocol.FSVersion1_1, true},
		{&GroupText{}, protocol.FSVersion1_2, true},
		{&GroupDeliveryReceipt{}, protocol.FSVersion1_2, true},
		{&ForwardSecurityEnvelope{}, protocol.FSVersionUnspecified, false},
		{&WebSessionResume{}, protocol.FSVersionUnspecified, false},
	}
	for _, tt := range tests {
		v, ok := tt.msg.MinimumFSVersion()
		assert.Equal(t, tt.ok, ok, "%T", tt.msg)
		assert.Equal(t, tt.version, v, "%T", tt.msg)
	}
}

func TestForwardSecurityEnvelope(t *testing.T) {
	sid, err := NewFSSessionID()
	require.NoError(t, err)

	payloads := []FSData{
		&FSInit{SessionID: sid, Versions: protocol.DefaultVersionRange, EphemeralPublicKey: [32]byte{1, 2, 3}},
		&FSAccept{SessionID: sid, Versions: protocol.VersionRange{Min: protocol.FSVersion1_0, Max: protocol.FSVersion1_1}, EphemeralPublicKey: [32]byte{4}},
		&FSReject{SessionID: sid, RejectedMessageID: protocol.MessageIDFromUint64(0xdeadbeef), Cause: RejectUnknownSession},
		&FSTerminate{SessionID: sid, Cause: TerminateDisabledByRemote},
		&FSMessage{SessionID: sid, DHType: DHType4DH, Counter: 12, OfferedVersion: protocol.FSVersion1_2, AppliedVersion: protocol.FSVersion1_1, Ciphertext: []byte("sealed")},
	}

	for _, data := range payloads {
		out := reparse(t, &ForwardSecurityEnvelope{Data: data})
		env, ok := out.(*ForwardSecurityEnvelope)
		require.True(t, ok)
		assert.Equal(t, data, env.Data)
		assert.Equal(t, sid, env.Data.Session())
	}
}

func TestForwardSecurityEnvelopeLegacyInit(t *testing.T) {
	// An Init without a version range comes from a 1.0 peer.
	body := []byte{0x0a, 0x10}
	body = append(body, make([]byte, FSSessionIDLen)...)
	body = append(body, 0x12, 0x22, 0x0a, 0x20)
	body = append(body, make([]byte, 32)...)

	m, err := Parse(protocol.MsgForwardSecurity, body)
	require.NoError(t, err)
	fsInit := m.(*ForwardSecurityEnvelope).Data.(*FSInit)
	assert.Equal(t, protocol.VersionRange{Min: protocol.FSVersion1_0, Max: protocol.FSVersion1_0}, fsInit.Versions)
}

func TestForwardSecurityEnvelopeIncomplete(t *testing.T) {
	_, err := Parse(protocol.MsgForwardSecurity, []byte{0x0a, 0x02, 1, 2})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = (&ForwardSecurityEnvelope{}).Body()
	assert.ErrorIs(t, err, ErrMalformed)
}
