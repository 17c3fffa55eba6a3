package coordinate

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// authenticated user attached to a connection by the gatekeeper
type Identity struct {
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

type ChangeType string

const (
	ChangeTypeCreate     ChangeType = "create"
	ChangeTypeUpdate     ChangeType = "update"
	ChangeTypeDelete     ChangeType = "delete"
	ChangeTypeMove       ChangeType = "move"
	ChangeTypeConnect    ChangeType = "connect"
	ChangeTypeDisconnect ChangeType = "disconnect"
)

func ValidChangeType(changeType ChangeType) bool {
	switch changeType {
	case ChangeTypeCreate, ChangeTypeUpdate, ChangeTypeDelete,
		ChangeTypeMove, ChangeTypeConnect, ChangeTypeDisconnect:
		return true
	default:
		return false
	}
}

// immutable once appended to the change log
type Change struct {
	ChangeId   string         `json:"change_id,omitempty"`
	DocumentId string         `json:"document_id"`
	TopicId    string         `json:"topic_id"`
	ChangeType ChangeType     `json:"change_type"`
	Properties map[string]any `json:"properties,omitempty"`
	UserId     string         `json:"user_id"`
	Version    int64          `json:"version"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Document struct {
	DocumentId    string    `json:"document_id"`
	Name          string    `json:"name,omitempty"`
	CreatorId     string    `json:"creator_id"`
	Collaborators []string  `json:"collaborators,omitempty"`
	Version       int64     `json:"version"`
	LastModified  time.Time `json:"last_modified"`
}

func (self *Document) CanAccess(userId string) bool {
	if self.CreatorId == userId {
		return true
	}
	return slices.Contains(self.Collaborators, userId)
}

type DocumentHead struct {
	DocumentId   string    `json:"document_id"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
}
