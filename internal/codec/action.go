package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PluginTag prefixes every custom id this service emits.
	PluginTag = "plotsync"
	// MaxActionIDLen is Discord's custom_id limit.
	MaxActionIDLen = 100

	actionSep = "/"
)

var (
	// ErrNotOwned is returned for custom ids emitted by someone else.
	ErrNotOwned = errors.New("codec: action id not owned by plotsync")
	// ErrMalformed is returned when a custom id does not parse.
	ErrMalformed = errors.New("codec: malformed action id")
	// ErrTooLong is returned when an action id would exceed MaxActionIDLen.
	ErrTooLong = errors.New("codec: action id too long")
	// ErrInvalidToken is returned for segments that cannot be encoded.
	ErrInvalidToken = errors.New("codec: invalid action id token")
)

// PayloadKind tells numeric and string payloads apart on the wire.
type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadInt
	PayloadString
)

// Payload is the optional trailing segment of an action id.
type Payload struct {
	Kind PayloadKind
	Int  int64
	Str  string
}

// IntPayload returns a numeric payload.
func IntPayload(n int64) Payload { return Payload{Kind: PayloadInt, Int: n} }

// StringPayload returns a string payload.
func StringPayload(s string) Payload { return Payload{Kind: PayloadString, Str: s} }

func (p Payload) encode() (string, error) {
	switch p.Kind {
	case PayloadInt:
		return "n" + strconv.FormatInt(p.Int, 10), nil
	case PayloadString:
		if err := checkToken(p.Str, true); err != nil {
			return "", err
		}
		return "s" + p.Str, nil
	}
	return "", fmt.Errorf("%w: payload kind %d", ErrInvalidToken, p.Kind)
}

func decodePayload(seg string) (Payload, error) {
	if seg == "" {
		return Payload{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	switch seg[0] {
	case 'n':
		n, err := strconv.ParseInt(seg[1:], 10, 64)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: payload %q", ErrMalformed, seg)
		}
		return IntPayload(n), nil
	case 's':
		return StringPayload(seg[1:]), nil
	}
	return Payload{}, fmt.Errorf("%w: payload %q", ErrMalformed, seg)
}

// Action is a decoded button custom id.
type Action struct {
	Type    string
	EventID uint64
	UserID  uint64
	Payload Payload
}

// NewActionID encodes an action id. It fails rather than truncate when the
// result would not fit Discord's limit.
func NewActionID(typ string, eventID, userID uint64, payload Payload) (string, error) {
	if err := checkToken(typ, false); err != nil {
		return "", err
	}
	parts := []string{
		PluginTag,
		typ,
		strconv.FormatUint(eventID, 10),
		strconv.FormatUint(userID, 10),
	}
	if payload.Kind != PayloadNone {
		seg, err := payload.encode()
		if err != nil {
			return "", err
		}
		parts = append(parts, seg)
	}
	id := strings.Join(parts, actionSep)
	if len(id) > MaxActionIDLen {
		return "", fmt.Errorf("%w: %d > %d", ErrTooLong, len(id), MaxActionIDLen)
	}
	return id, nil
}

// ParseActionID decodes a custom id produced by NewActionID.
func ParseActionID(s string) (Action, error) {
	parts := strings.Split(s, actionSep)
	if parts[0] != PluginTag {
		return Action{}, ErrNotOwned
	}
	if len(parts) != 4 && len(parts) != 5 {
		return Action{}, fmt.Errorf("%w: %d segments", ErrMalformed, len(parts))
	}
	if parts[1] == "" {
		return Action{}, fmt.Errorf("%w: empty type", ErrMalformed)
	}
	eventID, err := parseSnowflake(parts[2])
	if err != nil {
		return Action{}, err
	}
	userID, err := parseSnowflake(parts[3])
	if err != nil {
		return Action{}, err
	}
	a := Action{Type: parts[1], EventID: eventID, UserID: userID}
	if len(parts) == 5 {
		if a.Payload, err = decodePayload(parts[4]); err != nil {
			return Action{}, err
		}
	}
	return a, nil
}

func parseSnowflake(seg string) (uint64, error) {
	if seg == "" || seg[0] < '0' || seg[0] > '9' {
		return 0, fmt.Errorf("%w: snowflake %q", ErrMalformed, seg)
	}
	v, err := strconv.ParseUint(seg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: snowflake %q", ErrMalformed, seg)
	}
	return v, nil
}

// checkToken accepts printable ASCII without the separator.
func checkToken(tok string, allowEmpty bool) error {
	if tok == "" && !allowEmpty {
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c < 0x21 || c > 0x7e || c == '/' {
			return fmt.Errorf("%w: %q", ErrInvalidToken, tok)
		}
	}
	return nil
}
