package messages

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opd-ai/cspcore/protocol"
)

// Text is a plain 1:1 text message.
type Text struct {
	Header
	Text string
}

func (*Text) Type() protocol.MsgType { return protocol.MsgText }
func (*Text) AllowUserProfileDistribution() bool { return true }
func (m *Text) Body() ([]byte, error) { return []byte(m.Text), nil }

func parseText(body []byte) (Message, error) {
	if len(body) < 1 {
		return nil, badLength("text", len(body))
	}
	return &Text{Text: string(body)}, nil
}

// GroupText is a text message sent to a group.
type GroupText struct {
	GroupHeader
	Text string
}

func (*GroupText) Type() protocol.MsgType { return protocol.MsgGroupText }
func (*GroupText) AllowUserProfileDistribution() bool { return true }

func (m *GroupText) Body() ([]byte, error) {
	return append(m.Group.appendTo(nil), m.Text...), nil
}

func parseGroupText(body []byte) (Message, error) {
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	m := &GroupText{Text: string(rest)}
	m.Group = g
	return m, nil
}

// Place is a geographic position with optional name and address.
type Place struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64 // metres, zero when unknown
	POIName   string
	Address   string
}

func formatCoord(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (p Place) encode() []byte {
	var sb strings.Builder
	sb.WriteString(formatCoord(p.Latitude))
	sb.WriteByte(',')
	sb.WriteString(formatCoord(p.Longitude))
	if p.Accuracy > 0 {
		sb.WriteByte(',')
		sb.WriteString(formatCoord(p.Accuracy))
	}
	if p.POIName != "" {
		sb.WriteByte('\n')
		sb.WriteString(p.POIName)
	}
	if p.Address != "" {
		sb.WriteByte('\n')
		sb.WriteString(strings.ReplaceAll(p.Address, "\n", "\\n"))
	}
	return []byte(sb.String())
}

// parsePlace reads "lat,lon[,acc]" followed by an optional POI name line
// and an address line. With only one extra line it is the address.
func parsePlace(body []byte) (Place, error) {
	lines := strings.Split(string(body), "\n")
	coords := strings.Split(lines[0], ",")
	if len(coords) < 2 || len(coords) > 3 {
		return Place{}, fmt.Errorf("%w: bad coordinate string", ErrMalformed)
	}
	var p Place
	var err error
	if p.Latitude, err = strconv.ParseFloat(coords[0], 64); err != nil {
		return Place{}, fmt.Errorf("%w: latitude: %v", ErrMalformed, err)
	}
	if p.Longitude, err = strconv.ParseFloat(coords[1], 64); err != nil {
		return Place{}, fmt.Errorf("%w: longitude: %v", ErrMalformed, err)
	}
	if math.Abs(p.Latitude) > 90 || math.Abs(p.Longitude) > 180 {
		return Place{}, fmt.Errorf("%w: coordinates out of range", ErrMalformed)
	}
	if len(coords) == 3 {
		if p.Accuracy, err = strconv.ParseFloat(coords[2], 64); err != nil {
			return Place{}, fmt.Errorf("%w: accuracy: %v", ErrMalformed, err)
		}
	}
	switch len(lines) {
	case 1:
	case 2:
		p.Address = strings.ReplaceAll(lines[1], "\\n", "\n")
	default:
		p.POIName = lines[1]
		p.Address = strings.ReplaceAll(lines[2], "\\n", "\n")
	}
	return p, nil
}

const minLocationLen = 3

// Location shares a position with a single contact.
type Location struct {
	Header
	Place
}

func (*Location) Type() protocol.MsgType { return protocol.MsgLocation }
func (*Location) AllowUserProfileDistribution() bool { return true }
func (m *Location) Body() ([]byte, error) { return m.Place.encode(), nil }

func parseLocation(body []byte) (Message, error) {
	if len(body) < minLocationLen {
		return nil, badLength("location", len(body))
	}
	p, err := parsePlace(body)
	if err != nil {
		return nil, err
	}
	return &Location{Place: p}, nil
}

// GroupLocation shares a position with a group.
type GroupLocation struct {
	GroupHeader
	Place
}

func (*GroupLocation) Type() protocol.MsgType { return protocol.MsgGroupLocation }
func (*GroupLocation) AllowUserProfileDistribution() bool { return true }

func (m *GroupLocation) Body() ([]byte, error) {
	return append(m.Group.appendTo(nil), m.Place.encode()...), nil
}

func parseGroupLocation(body []byte) (Message, error) {
	if len(body) < groupIdentityLen+minLocationLen {
		return nil, badLength("group location", len(body))
	}
	g, rest, err := parseGroupIdentity(body)
	if err != nil {
		return nil, err
	}
	p, err := parsePlace(rest)
	if err != nil {
		return nil, err
	}
	m := &GroupLocation{Place: p}
	m.Group = g
	return m, nil
}

func init() {
	register(protocol.MsgText, parseText)
	register(protocol.MsgGroupText, parseGroupText)
	register(protocol.MsgLocation, parseLocation)
	register(protocol.MsgGroupLocation, parseGroupLocation)
}
