// Package kind names the event kinds this engine treats specially.
package kind

import "fmt"

// T is the numeric kind of an event.
type T uint16

const (
	ProfileMetadata        T = 0
	TextNote               T = 1
	RecommendRelay         T = 2
	FollowList             T = 3
	EncryptedDirectMessage T = 4
	EventDeletion          T = 5
	Repost                 T = 6
	Reaction               T = 7
	GenericRepost          T = 16
	Zap                    T = 9735
	MuteList               T = 10000
	PinList                T = 10001
	// RelayListMetadata carries a user's read/write relay preferences as r
	// tags.
	RelayListMetadata T = 10002
	ReplaceableEnd    T = 20000
	// ClientAuthentication is the kind of the signed response to a relay AUTH
	// challenge.
	ClientAuthentication          T = 22242
	EphemeralEnd                  T = 30000
	ParameterizedReplaceableStart T = 30000
	ParameterizedReplaceableEnd   T = 40000
)

var names = map[T]string{
	ProfileMetadata:        "ProfileMetadata",
	TextNote:               "TextNote",
	RecommendRelay:         "RecommendRelay",
	FollowList:             "FollowList",
	EncryptedDirectMessage: "EncryptedDirectMessage",
	EventDeletion:          "EventDeletion",
	Repost:                 "Repost",
	Reaction:               "Reaction",
	GenericRepost:          "GenericRepost",
	Zap:                    "Zap",
	MuteList:               "MuteList",
	PinList:                "PinList",
	RelayListMetadata:      "RelayListMetadata",
	ClientAuthentication:   "ClientAuthentication",
}

func (k T) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind%d", uint16(k))
}

// IsReplaceable is true for kinds where only the newest event per author is
// kept.
func (k T) IsReplaceable() bool {
	return k == ProfileMetadata || k == FollowList ||
		(k >= 10000 && k < ReplaceableEnd)
}

// IsEphemeral kinds are not stored by relays.
func (k T) IsEphemeral() bool { return k >= ReplaceableEnd && k < EphemeralEnd }

// IsParameterizedReplaceable kinds are replaced per author and d tag.
func (k T) IsParameterizedReplaceable() bool {
	return k >= ParameterizedReplaceableStart && k < ParameterizedReplaceableEnd
}
