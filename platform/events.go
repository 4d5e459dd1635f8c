package platform

// Event is the closed set of normalized gateway events. Nothing past the
// Dialer sees the remote wire format.
type Event interface {
	gatewayEvent()
}

// Ready opens every session, including each one after a reconnect. Applying it
// replaces the guild set.
type Ready struct {
	Identity BotIdentity
	Guilds   []Guild
}

type GuildAdd struct {
	Guild Guild
}

type GuildRemove struct {
	GuildId string
}

type ChannelAdd struct {
	Channel Channel
}

type ChannelUpdate struct {
	Channel Channel
}

type ChannelRemove struct {
	GuildId   string
	ChannelId string
}

type MessageCreate struct {
	Message Message
}

type MessageUpdate struct {
	Message Message
}

type MessageDelete struct {
	ChannelId string
	MessageId string
}

type MemberUpdate struct {
	Member Member
}

type MemberRemove struct {
	GuildId string
	UserId  string
}

func (Ready) gatewayEvent()         {}
func (GuildAdd) gatewayEvent()      {}
func (GuildRemove) gatewayEvent()   {}
func (ChannelAdd) gatewayEvent()    {}
func (ChannelUpdate) gatewayEvent() {}
func (ChannelRemove) gatewayEvent() {}
func (MessageCreate) gatewayEvent() {}
func (MessageUpdate) gatewayEvent() {}
func (MessageDelete) gatewayEvent() {}
func (MemberUpdate) gatewayEvent()  {}
func (MemberRemove) gatewayEvent()  {}

// EventName is used in logs and by the archive.
func EventName(e Event) string {
	switch e.(type) {
	case Ready:
		return "ready"
	case GuildAdd:
		return "guild_add"
	case GuildRemove:
		return "guild_remove"
	case ChannelAdd:
		return "channel_add"
	case ChannelUpdate:
		return "channel_update"
	case ChannelRemove:
		return "channel_remove"
	case MessageCreate:
		return "message_create"
	case MessageUpdate:
		return "message_update"
	case MessageDelete:
		return "message_delete"
	case MemberUpdate:
		return "member_update"
	case MemberRemove:
		return "member_remove"
	}
	return "unknown"
}
