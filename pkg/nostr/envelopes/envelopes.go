// Package envelopes holds the protocol messages exchanged with relays. Each
// label has its own type, and Parse returns whichever one a frame carries.
package envelopes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/event"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/eventid"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filter"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/filters"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/text"
)

// Labels of the message types.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelClosed = "CLOSED"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
)

// Machine readable prefixes of OK and CLOSED reasons.
const (
	ReasonAuthRequired = "auth-required"
	ReasonRestricted   = "restricted"
	ReasonDuplicate    = "duplicate"
	ReasonInvalid      = "invalid"
	ReasonError        = "error"
)

// Envelope is one protocol message.
type Envelope interface {
	Label() string
	MarshalTo(dst []byte) []byte
}

// Marshal encodes any envelope.
func Marshal(env Envelope) []byte { return env.MarshalTo(nil) }

// Event carries an event. SubscriptionID is empty for a publish.
type Event struct {
	SubscriptionID string
	Event          *event.T
}

func (env *Event) Label() string { return LabelEvent }

func (env *Event) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["EVENT",`...)
	if env.SubscriptionID != "" {
		dst = text.AppendQuoted(dst, env.SubscriptionID)
		dst = append(dst, ',')
	}
	dst = env.Event.MarshalTo(dst)
	return append(dst, ']')
}

// Req opens or replaces a subscription.
type Req struct {
	SubscriptionID string
	Filters        filters.T
}

func (env *Req) Label() string { return LabelReq }

func (env *Req) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["REQ",`...)
	dst = text.AppendQuoted(dst, env.SubscriptionID)
	if len(env.Filters) > 0 {
		dst = append(dst, ',')
		dst = env.Filters.MarshalTo(dst)
	}
	return append(dst, ']')
}

// Close ends a subscription.
type Close struct {
	SubscriptionID string
}

func (env *Close) Label() string { return LabelClose }

func (env *Close) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["CLOSE",`...)
	dst = text.AppendQuoted(dst, env.SubscriptionID)
	return append(dst, ']')
}

// Closed is a relay ending a subscription on its side.
type Closed struct {
	SubscriptionID string
	Reason         string
}

func (env *Closed) Label() string { return LabelClosed }

func (env *Closed) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["CLOSED",`...)
	dst = text.AppendQuoted(dst, env.SubscriptionID)
	dst = append(dst, ',')
	dst = text.AppendQuoted(dst, env.Reason)
	return append(dst, ']')
}

// OK acknowledges a published event or an AUTH response.
type OK struct {
	ID     eventid.T
	OK     bool
	Reason string
}

func (env *OK) Label() string { return LabelOK }

func (env *OK) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["OK",`...)
	dst = text.AppendQuoted(dst, string(env.ID))
	if env.OK {
		dst = append(dst, ",true,"...)
	} else {
		dst = append(dst, ",false,"...)
	}
	dst = text.AppendQuoted(dst, env.Reason)
	return append(dst, ']')
}

// EOSE marks the end of stored events for a subscription.
type EOSE struct {
	SubscriptionID string
}

func (env *EOSE) Label() string { return LabelEOSE }

func (env *EOSE) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["EOSE",`...)
	dst = text.AppendQuoted(dst, env.SubscriptionID)
	return append(dst, ']')
}

// Notice is a human readable message from a relay.
type Notice struct {
	Message string
}

func (env *Notice) Label() string { return LabelNotice }

func (env *Notice) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["NOTICE",`...)
	dst = text.AppendQuoted(dst, env.Message)
	return append(dst, ']')
}

// AuthChallenge is sent by a relay asking the client to authenticate.
type AuthChallenge struct {
	Challenge string
}

func (env *AuthChallenge) Label() string { return LabelAuth }

func (env *AuthChallenge) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["AUTH",`...)
	dst = text.AppendQuoted(dst, env.Challenge)
	return append(dst, ']')
}

// AuthResponse carries the signed kind 22242 event answering a challenge.
type AuthResponse struct {
	Event *event.T
}

func (env *AuthResponse) Label() string { return LabelAuth }

func (env *AuthResponse) MarshalTo(dst []byte) []byte {
	dst = append(dst, `["AUTH",`...)
	dst = env.Event.MarshalTo(dst)
	return append(dst, ']')
}

// ReasonPrefix returns the machine readable part of an OK or CLOSED reason,
// the text before the first colon.
func ReasonPrefix(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return strings.TrimSpace(reason[:i])
	}
	return ""
}

func decodeEvent(r gjson.Result) (ev *event.T, err error) {
	if !r.IsObject() {
		return nil, fmt.Errorf("event is not an object: %s", r.Raw)
	}
	ev = &event.T{}
	if err = json.Unmarshal([]byte(r.Raw), ev); err != nil {
		return nil, err
	}
	return
}

// Parse decodes one frame. Unknown labels and malformed frames return an
// error.
func Parse(b []byte) (env Envelope, err error) {
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("invalid JSON frame")
	}
	arr := gjson.ParseBytes(b).Array()
	if len(arr) == 0 || arr[0].Type != gjson.String {
		return nil, fmt.Errorf("frame has no label")
	}
	str := func(i int) (string, error) {
		if i >= len(arr) || arr[i].Type != gjson.String {
			return "", fmt.Errorf("%s: element %d is not a string", arr[0].Str, i)
		}
		return arr[i].Str, nil
	}
	switch label := arr[0].Str; label {
	case LabelEvent:
		e := &Event{}
		switch len(arr) {
		case 2:
			e.Event, err = decodeEvent(arr[1])
		case 3:
			if e.SubscriptionID, err = str(1); err != nil {
				return
			}
			e.Event, err = decodeEvent(arr[2])
		default:
			err = fmt.Errorf("EVENT: unexpected length %d", len(arr))
		}
		if err != nil {
			return nil, err
		}
		return e, nil
	case LabelReq:
		r := &Req{}
		if r.SubscriptionID, err = str(1); err != nil {
			return
		}
		for _, fr := range arr[2:] {
			f := &filter.T{}
			if err = f.UnmarshalJSON([]byte(fr.Raw)); err != nil {
				return nil, err
			}
			r.Filters = append(r.Filters, f)
		}
		return r, nil
	case LabelClose:
		c := &Close{}
		if c.SubscriptionID, err = str(1); err != nil {
			return
		}
		return c, nil
	case LabelClosed:
		c := &Closed{}
		if c.SubscriptionID, err = str(1); err != nil {
			return
		}
		if len(arr) > 2 {
			c.Reason = arr[2].Str
		}
		return c, nil
	case LabelOK:
		o := &OK{}
		var id string
		if id, err = str(1); err != nil {
			return
		}
		o.ID = eventid.T(id)
		if len(arr) < 3 || !(arr[2].Type == gjson.True || arr[2].Type == gjson.False) {
			return nil, fmt.Errorf("OK: missing accepted flag")
		}
		o.OK = arr[2].Bool()
		if len(arr) > 3 {
			o.Reason = arr[3].Str
		}
		return o, nil
	case LabelEOSE:
		e := &EOSE{}
		if e.SubscriptionID, err = str(1); err != nil {
			return
		}
		return e, nil
	case LabelNotice:
		n := &Notice{}
		if n.Message, err = str(1); err != nil {
			return
		}
		return n, nil
	case LabelAuth:
		if len(arr) < 2 {
			return nil, fmt.Errorf("AUTH: missing payload")
		}
		if arr[1].Type == gjson.String {
			return &AuthChallenge{Challenge: arr[1].Str}, nil
		}
		a := &AuthResponse{}
		if a.Event, err = decodeEvent(arr[1]); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown envelope label %q", label)
	}
}
