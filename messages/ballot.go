package messages

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/cspcore/protocol"
)

// BallotID identifies a ballot within its creator's namespace.
type BallotID [protocol.BallotIDLen]byte

// BallotChoice is one option of a ballot.
type BallotChoice struct {
	ID     int    `json:"i"`
	Name   string `json:"n"`
	Order  int    `json:"o"`
	Result []int  `json:"r,omitempty"`
}

// BallotData is the JSON document describing a ballot.
type BallotData struct {
	Description  string         `json:"d"`
	State        int            `json:"s"`
	Assessment   int            `json:"a"`
	Kind         int            `json:"t"`
	ChoiceType   int            `json:"o"`
	DisplayMode  int            `json:"u,omitempty"`
	Choices      []BallotChoice `json:"c"`
	Participants []string       `json:"p,omitempty"`
}

// BallotVote is a single (choice, value) pair.
type BallotVote struct {
	ChoiceID int
	Value    int
}

// MarshalJSON encodes the vote as a two element array.
func (v BallotVote) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{v.ChoiceID, v.Value})
}

// UnmarshalJSON decodes a two element array.
func (v *BallotVote) UnmarshalJSON(b []byte) error {
	var pair [2]int
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	v.ChoiceID, v.Value = pair[0], pair[1]
	return nil
}

func decodeJSON(kind string, b []byte, v interface{}) error {
	if len(b) == 0 {
		return badLength(kind, 0)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return nil
}

// BallotCreate opens or updates a 1:1 ballot.
type BallotCreate struct {
	Header
	BallotID BallotID
	Data     BallotData
}

func (*BallotCreate) Type() protocol.MsgType { return protocol.MsgBallotCreate }
func (*BallotCreate) AllowUserProfileDistribution() bool { return true }

func (m *BallotCreate) Body() ([]byte, error) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), m.BallotID[:]...), data...), nil
}

func parseBallotCreate(body []byte) (Message, error) {
	if len(body) < protocol.BallotIDLen+1 {
		return nil, badLength("ballot create", len(body))
	}
	m := &BallotCreate{}
	copy(m.BallotID[:], body)
	if err := decodeJSON("ballot create", body[protocol.BallotIDLen:], &m.Data); err != nil {
		return nil, err
	}
	return m, nil
}

// BallotVoteMessage casts votes on a 1:1 ballot.
type BallotVoteMessage struct {
	Header
	BallotCreator protocol.Identity
	BallotID      BallotID
	Votes         []BallotVote
}

func (*BallotVoteMessage) Type() protocol.MsgType { return protocol.MsgBallotVote }
func (*BallotVoteMessage) AllowUserProfileDistribution() bool { return true }

func (m *BallotVoteMessage) Body() ([]byte, error) {
	return appendVotes(nil, m.BallotCreator, m.BallotID, m.Votes)
}

func appendVotes(b []byte, creator protocol.Identity, id BallotID, votes []BallotVote) ([]byte, error) {
	if votes == nil {
		votes = []BallotVote{}
	}
	data, err := json.Marshal(votes)
	if err != nil {
		return nil, err
	}
	c := creator.Bytes()
	b = append(b, c[:]...)
	b = append(b, id[:]...)
	return append(b, data...), nil
}

func parseVotes(kind string, b []byte) (protocol.Identity, BallotID, []BallotVote, error) {
	var id BallotID
	if len(b) < protocol.IdentityLen+protocol.BallotIDLen+1 {
		return "", id, nil, badLength(kind, len(b))
	}
	creator, err := protocol.ParseIdentity(b[:protocol.IdentityLen])
	if err != nil {
		return "", id, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	copy(id[:], b[protocol.IdentityLen:])
	var votes []BallotVote
	if err := decodeJSON(kind, b[protocol.IdentityLen+protocol.BallotIDLen:], &votes); err != nil {
		return "", id, nil, err
	}
	return creator, id, votes, nil
}

func parseBallotVote(body []byte) (Message, error) {
	creator, id, votes, err := parseVotes("ballot vote", body)
	if err != nil {
		return nil, err
	}
	return &BallotVoteMessage{BallotCreator: creator, BallotID: id, Votes: votes}, nil
}

// GroupBallotCreate opens or updates a ballot in a group.
type GroupBallotCreate struct {
	GroupHeader
	BallotID BallotID
	Data     BallotData
}

func (*GroupBallotCreate) Type() protocol.MsgType { return protocol.MsgGroupBallotCreate }
func (*GroupBallotCreate) AllowUserProfileDistribution() bool { return true }

func (m *GroupBallotCreate) Body() ([]byte, error) {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return nil, err
	}
	b := append(m.Group.appendTo(nil), m.BallotID[:]...)
	return append(b, data...), nil
}

func parseGroupBallotCreate(body []byte) (Message, error) {
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	if len(rest) < protocol.BallotIDLen+1 {
		return nil, badLength("group ballot create", len(body))
	}
	m := &GroupBallotCreate{}
	m.Group = g
	copy(m.BallotID[:], rest)
	if err := decodeJSON("group ballot create", rest[protocol.BallotIDLen:], &m.Data); err != nil {
		return nil, err
	}
	return m, nil
}

// GroupBallotVote casts votes on a group ballot.
type GroupBallotVote struct {
	GroupHeader
	BallotCreator protocol.Identity
	BallotID      BallotID
	Votes         []BallotVote
}

func (*GroupBallotVote) Type() protocol.MsgType { return protocol.MsgGroupBallotVote }
func (*GroupBallotVote) AllowUserProfileDistribution() bool { return true }

func (m *GroupBallotVote) Body() ([]byte, error) {
	return appendVotes(m.Group.appendTo(nil), m.BallotCreator, m.BallotID, m.Votes)
}

func parseGroupBallotVote(body []byte) (Message, error) {
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	creator, id, votes, err := parseVotes("group ballot vote", rest)
	if err != nil {
		return nil, err
	}
	m := &GroupBallotVote{BallotCreator: creator, BallotID: id, Votes: votes}
	m.Group = g
	return m, nil
}

func init() {
	register(protocol.MsgBallotCreate, parseBallotCreate)
	register(protocol.MsgBallotVote, parseBallotVote)
	register(protocol.MsgGroupBallotCreate, parseGroupBallotCreate)
	register(protocol.MsgGroupBallotVote, parseGroupBallotVote)
}
