package coordinate

import (
	"time"
)

// json envelopes on the websocket. `type` is the discriminator.

const (
	// client -> coordinator
	MessageTypeAuth         = "auth"
	MessageTypeJoin         = "join"
	MessageTypeSubmitChange = "submitChange"

	// coordinator -> client(s)
	MessageTypeConnectionEstablished = "connectionEstablished"
	MessageTypeUserJoined            = "userJoined"
	MessageTypeUserLeft              = "userLeft"
	MessageTypeTopicChange           = "topicChange"
	MessageTypeError                 = "error"
)

type ClientMessage struct {
	Type string `json:"type"`

	// auth
	Credential string `json:"credential,omitempty"`

	// join
	DocumentId string `json:"document_id,omitempty"`

	// submitChange
	Change *ChangeData `json:"change,omitempty"`
}

// the client-submitted change payload.
// `version` is the version the client expects to write,
// checked against the server-allocated next version.
type ChangeData struct {
	TopicId    string         `json:"topic_id"`
	ChangeType ChangeType     `json:"change_type"`
	Properties map[string]any `json:"properties,omitempty"`
	Version    int64          `json:"version,omitempty"`
}

type ServerMessage struct {
	Type string `json:"type"`

	DocumentId string `json:"document_id,omitempty"`

	// connectionEstablished
	Collaborators []*Participant `json:"collaborators,omitempty"`

	// userJoined
	Participant *Participant `json:"participant,omitempty"`

	// userLeft
	UserId string `json:"user_id,omitempty"`

	// topicChange
	SenderId  string     `json:"sender_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Change    *Change    `json:"change,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func newConnectionEstablishedMessage(documentId string, collaborators []*Participant) *ServerMessage {
	return &ServerMessage{
		Type:          MessageTypeConnectionEstablished,
		DocumentId:    documentId,
		Collaborators: collaborators,
	}
}

func newUserJoinedMessage(documentId string, participant *Participant) *ServerMessage {
	return &ServerMessage{
		Type:        MessageTypeUserJoined,
		DocumentId:  documentId,
		Participant: participant,
	}
}

func newUserLeftMessage(documentId string, userId string) *ServerMessage {
	return &ServerMessage{
		Type:       MessageTypeUserLeft,
		DocumentId: documentId,
		UserId:     userId,
	}
}

func newTopicChangeMessage(change *Change) *ServerMessage {
	timestamp := change.Timestamp
	return &ServerMessage{
		Type:       MessageTypeTopicChange,
		DocumentId: change.DocumentId,
		SenderId:   change.UserId,
		Timestamp:  &timestamp,
		Change:     change,
	}
}

func newErrorMessage(err error) *ServerMessage {
	return &ServerMessage{
		Type:    MessageTypeError,
		Message: err.Error(),
	}
}
