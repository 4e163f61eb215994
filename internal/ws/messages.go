package ws

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// 客户端与服务端之间识别的消息类型。
const (
	kindJoinRoom     = "join-room"
	kindLeaveRoom    = "leave-room"
	kindOffer        = "offer"
	kindAnswer       = "answer"
	kindICECandidate = "ice-candidate"
	kindChat         = "chat"
	kindEndRoom      = "end-room"
)

// UserInfo 是参与者在信令消息里携带的身份信息。
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Envelope 是入站消息的统一外壳，不同 type 使用不同的字段子集。
// 信令的 payload 不做任何解析，原样转发。
type Envelope struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	User     *UserInfo       `json:"user,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Target   string          `json:"target,omitempty"`
	FromInfo *UserInfo       `json:"fromInfo,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Username string          `json:"username,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type participantDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type existingParticipantsEvent struct {
	Type         string           `json:"type"`
	Room         string           `json:"room"`
	Participants []participantDTO `json:"participants"`
	HostID       string           `json:"hostId"`
}

type newParticipantEvent struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type participantLeftEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type signalEvent struct {
	Type     string          `json:"type"`
	FromInfo UserInfo        `json:"fromInfo"`
	Target   string          `json:"target,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

type chatMessageEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

type roomEndedEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalEvent(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal ws event")
		return nil
	}
	return b
}
