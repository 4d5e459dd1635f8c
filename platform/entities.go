package platform

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type BotIdentity struct {
	Id            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Tag           string `json:"tag"`
	Avatar        string `json:"avatar"`
}

type Guild struct {
	Id          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon"`
	MemberCount int    `json:"memberCount"`
	OwnerId     string `json:"ownerId"`
}

// ChannelType keeps Discord's numeric channel type; the admin UI branches on it.
type ChannelType int

const (
	ChannelTypeText     ChannelType = 0
	ChannelTypeVoice    ChannelType = 2
	ChannelTypeCategory ChannelType = 4
	ChannelTypeNews     ChannelType = 5
	ChannelTypeStage    ChannelType = 13
	ChannelTypeForum    ChannelType = 15
)

func (t ChannelType) Kind() string {
	switch t {
	case ChannelTypeText, ChannelTypeNews, ChannelTypeForum:
		return "text"
	case ChannelTypeVoice, ChannelTypeStage:
		return "voice"
	case ChannelTypeCategory:
		return "category"
	}
	return "other"
}

type Channel struct {
	Id       string      `json:"id"`
	GuildId  string      `json:"guildId"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
	Position int         `json:"position"`
	ParentId string      `json:"parentId,omitempty"`
}

type Author struct {
	Id     string `json:"id"`
	Tag    string `json:"tag"`
	Avatar string `json:"avatar"`
	Bot    bool   `json:"bot"`
}

type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Url         string `json:"url,omitempty"`
	Color       int    `json:"color,omitempty"`
}

type Attachment struct {
	Id          string `json:"id"`
	Name        string `json:"name"`
	Url         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
}

type Message struct {
	Id          string       `json:"id"`
	ChannelId   string       `json:"channelId"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	Embeds      []Embed      `json:"embeds"`
	Attachments []Attachment `json:"attachments"`
}

// Version orders competing copies of the same message; the newer one wins a merge.
func (m Message) Version() time.Time {
	if m.EditedAt != nil && m.EditedAt.After(m.CreatedAt) {
		return *m.EditedAt
	}
	return m.CreatedAt
}

// Before orders messages by creation time, falling back to snowflake order.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return idLess(m.Id, o.Id)
}

type Role struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color int    `json:"color"`
}

type Member struct {
	Id          string `json:"id"`
	GuildId     string `json:"guildId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Roles       []Role `json:"roles"`
}

func idLess(a, b string) bool {
	ia, errA := snowflake.Parse(a)
	ib, errB := snowflake.Parse(b)
	if errA == nil && errB == nil {
		return ia < ib
	}
	return a < b
}
