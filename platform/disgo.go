package platform

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
)

const (
	membersPageSize = 1000
	membersMax      = 5000
	guildFetchLimit = 4
)

// DisgoDialer opens sessions with disgo. Automatic reconnects are disabled so
// the Connection backoff policy is the only one in play.
type DisgoDialer struct {
	Logger *slog.Logger
	// StatusInterval is how often the gateway status is polled for loss.
	StatusInterval time.Duration
}

func (d *DisgoDialer) Dial(ctx context.Context, token string) (Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := d.StatusInterval
	if interval <= 0 {
		interval = time.Second
	}
	s := &disgoSession{
		logger:   logger.With("component", "disgo"),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		ready:    make(chan struct{}),
		guildIds: make(map[snowflake.ID]struct{}),
		roles:    make(map[snowflake.ID]map[snowflake.ID]Role),
	}

	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMembers,
				gateway.IntentGuildMessages,
				gateway.IntentMessageContent,
			),
			gateway.WithAutoReconnect(false),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagsNone),
		),
		bot.WithEventListenerFunc(s.onReady),
		bot.WithEventListenerFunc(s.onGuildJoin),
		bot.WithEventListenerFunc(s.onGuildUpdate),
		bot.WithEventListenerFunc(s.onGuildLeave),
		bot.WithEventListenerFunc(s.onChannelCreate),
		bot.WithEventListenerFunc(s.onChannelUpdate),
		bot.WithEventListenerFunc(s.onChannelDelete),
		bot.WithEventListenerFunc(s.onMessageCreate),
		bot.WithEventListenerFunc(s.onMessageUpdate),
		bot.WithEventListenerFunc(s.onMessageDelete),
		bot.WithEventListenerFunc(s.onMemberJoin),
		bot.WithEventListenerFunc(s.onMemberUpdate),
		bot.WithEventListenerFunc(s.onMemberLeave),
	)
	if err != nil {
		return nil, NewAuth("Discord rejected the bot token", err)
	}
	s.client = client

	// The gateway does not report a rejected token before Open returns, so
	// the token is checked over REST first.
	if _, err = client.Rest().GetUser(client.ApplicationID(), rest.WithCtx(ctx)); err != nil {
		mapped := restError("verify bot token", err)
		if IsKind(mapped, KindAuth) || IsKind(mapped, KindTransient) || IsKind(mapped, KindRateLimited) {
			return nil, mapped
		}
	}

	if err = client.OpenGateway(ctx); err != nil {
		client.Close(context.Background())
		return nil, NewTransient("failed to open gateway", errors.Wrap(err, "open gateway"))
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		client.Close(context.Background())
		return nil, NewTransient("timed out waiting for the gateway ready event", ctx.Err())
	}

	go s.watch(interval)
	s.logger.Info("Gateway ready", "user", s.Identity().Username)
	return s, nil
}

type disgoSession struct {
	client bot.Client
	logger *slog.Logger

	events  chan Event
	done    chan struct{}
	closing chan struct{}
	ready   chan struct{}

	readyOnce sync.Once
	loseOnce  sync.Once
	closeOnce sync.Once

	mu       sync.RWMutex
	err      error
	identity BotIdentity
	guildIds map[snowflake.ID]struct{}
	roles    map[snowflake.ID]map[snowflake.ID]Role
}

func (s *disgoSession) Identity() BotIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *disgoSession) Events() <-chan Event {
	return s.events
}

func (s *disgoSession) Done() <-chan struct{} {
	return s.done
}

func (s *disgoSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *disgoSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.client.Close(ctx)
	})
	return nil
}

func (s *disgoSession) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			if s.client.Gateway().Status() == gateway.StatusDisconnected {
				s.lose(errors.New("gateway disconnected"))
				return
			}
		}
	}
}

func (s *disgoSession) lose(err error) {
	s.loseOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// emit runs on the disgo event goroutine; a full buffer holds the gateway back
// until the Connection catches up or the session ends.
func (s *disgoSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	case <-s.done:
	}
}

func (s *disgoSession) Guilds(ctx context.Context) ([]Guild, error) {
	s.mu.RLock()
	ids := make([]snowflake.ID, 0, len(s.guildIds))
	for id := range s.guildIds {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	guilds := make([]Guild, len(ids))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(guildFetchLimit)
	for i, id := range ids {
		group.Go(func() error {
			restGuild, err := s.client.Rest().GetGuild(id, true, rest.WithCtx(groupCtx))
			if err != nil {
				return restError("fetch guild "+id.String(), err)
			}
			s.storeRoles(id, restGuild.Roles)
			guilds[i] = convertGuild(restGuild.Guild)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return guilds, nil
}

func (s *disgoSession) Channels(ctx context.Context, guildId string) ([]Channel, error) {
	id, err := parseId("guild", guildId)
	if err != nil {
		return nil, err
	}
	channels, err := s.client.Rest().GetGuildChannels(id, rest.WithCtx(ctx))
	if err != nil {
		return nil, restError("fetch channels", err)
	}
	result := make([]Channel, 0, len(channels))
	for _, channel := range channels {
		result = append(result, convertChannel(channel))
	}
	return result, nil
}

func (s *disgoSession) Messages(ctx context.Context, channelId string, limit int) ([]Message, error) {
	id, err := parseId("channel", channelId)
	if err != nil {
		return nil, err
	}
	messages, err := s.client.Rest().GetMessages(id, 0, 0, 0, limit, rest.WithCtx(ctx))
	if err != nil {
		return nil, restError("fetch messages", err)
	}
	result := make([]Message, 0, len(messages))
	for _, message := range messages {
		result = append(result, convertMessage(message))
	}
	return result, nil
}

func (s *disgoSession) Members(ctx context.Context, guildId string) ([]Member, error) {
	id, err := parseId("guild", guildId)
	if err != nil {
		return nil, err
	}
	roles, err := s.guildRoles(ctx, id)
	if err != nil {
		return nil, err
	}

	var result []Member
	var after snowflake.ID
	for len(result) < membersMax {
		members, err := s.client.Rest().GetMembers(id, membersPageSize, after, rest.WithCtx(ctx))
		if err != nil {
			return nil, restError("fetch members", err)
		}
		for _, member := range members {
			result = append(result, convertMember(id, member, roles))
		}
		if len(members) < membersPageSize {
			break
		}
		after = members[len(members)-1].User.ID
	}
	return result, nil
}

func (s *disgoSession) SendMessage(ctx context.Context, channelId, content string) (Message, error) {
	id, err := parseId("channel", channelId)
	if err != nil {
		return Message{}, err
	}
	message, err := s.client.Rest().CreateMessage(id, discord.MessageCreate{Content: content}, rest.WithCtx(ctx))
	if err != nil {
		return Message{}, restError("send message", err)
	}
	return convertMessage(*message), nil
}

func (s *disgoSession) DeleteMessage(ctx context.Context, channelId, messageId string) error {
	cid, err := parseId("channel", channelId)
	if err != nil {
		return err
	}
	mid, err := parseId("message", messageId)
	if err != nil {
		return err
	}
	if err = s.client.Rest().DeleteMessage(cid, mid, rest.WithCtx(ctx)); err != nil {
		return restError("delete message", err)
	}
	return nil
}

func (s *disgoSession) guildRoles(ctx context.Context, id snowflake.ID) (map[snowflake.ID]Role, error) {
	s.mu.RLock()
	roles, ok := s.roles[id]
	s.mu.RUnlock()
	if ok {
		return roles, nil
	}
	restGuild, err := s.client.Rest().GetGuild(id, false, rest.WithCtx(ctx))
	if err != nil {
		return nil, restError("fetch guild roles", err)
	}
	return s.storeRoles(id, restGuild.Roles), nil
}

func (s *disgoSession) storeRoles(guildId snowflake.ID, roles []discord.Role) map[snowflake.ID]Role {
	m := make(map[snowflake.ID]Role, len(roles))
	for _, role := range roles {
		m[role.ID] = Role{Id: role.ID.String(), Name: role.Name, Color: role.Color}
	}
	s.mu.Lock()
	s.roles[guildId] = m
	s.mu.Unlock()
	return m
}

func (s *disgoSession) cachedRoles(guildId snowflake.ID) map[snowflake.ID]Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[guildId]
}

func (s *disgoSession) onReady(e *events.Ready) {
	s.mu.Lock()
	s.identity = convertIdentity(e.User.User)
	for _, guild := range e.Guilds {
		s.guildIds[guild.ID] = struct{}{}
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}

func (s *disgoSession) onGuildJoin(e *events.GuildJoin) {
	s.mu.Lock()
	s.guildIds[e.GuildID] = struct{}{}
	s.mu.Unlock()
	s.emit(GuildAdd{Guild: convertGuild(e.Guild)})
}

func (s *disgoSession) onGuildUpdate(e *events.GuildUpdate) {
	s.emit(GuildAdd{Guild: convertGuild(e.Guild)})
}

func (s *disgoSession) onGuildLeave(e *events.GuildLeave) {
	s.mu.Lock()
	delete(s.guildIds, e.GuildID)
	delete(s.roles, e.GuildID)
	s.mu.Unlock()
	s.emit(GuildRemove{GuildId: e.GuildID.String()})
}

func (s *disgoSession) onChannelCreate(e *events.GuildChannelCreate) {
	s.emit(ChannelAdd{Channel: convertChannel(e.Channel)})
}

func (s *disgoSession) onChannelUpdate(e *events.GuildChannelUpdate) {
	s.emit(ChannelUpdate{Channel: convertChannel(e.Channel)})
}

func (s *disgoSession) onChannelDelete(e *events.GuildChannelDelete) {
	s.emit(ChannelRemove{GuildId: e.GuildID.String(), ChannelId: e.ChannelID.String()})
}

func (s *disgoSession) onMessageCreate(e *events.GuildMessageCreate) {
	s.emit(MessageCreate{Message: convertMessage(e.Message)})
}

func (s *disgoSession) onMessageUpdate(e *events.GuildMessageUpdate) {
	s.emit(MessageUpdate{Message: convertMessage(e.Message)})
}

func (s *disgoSession) onMessageDelete(e *events.GuildMessageDelete) {
	s.emit(MessageDelete{ChannelId: e.ChannelID.String(), MessageId: e.MessageID.String()})
}

func (s *disgoSession) onMemberJoin(e *events.GuildMemberJoin) {
	s.emit(MemberUpdate{Member: convertMember(e.GuildID, e.Member, s.cachedRoles(e.GuildID))})
}

func (s *disgoSession) onMemberUpdate(e *events.GuildMemberUpdate) {
	s.emit(MemberUpdate{Member: convertMember(e.GuildID, e.Member, s.cachedRoles(e.GuildID))})
}

func (s *disgoSession) onMemberLeave(e *events.GuildMemberLeave) {
	s.emit(MemberRemove{GuildId: e.GuildID.String(), UserId: e.User.ID.String()})
}

func parseId(what, id string) (snowflake.ID, error) {
	parsed, err := snowflake.Parse(id)
	if err != nil {
		return 0, NewInvalid("invalid " + what + " id: " + id)
	}
	return parsed, nil
}

func restError(op string, err error) error {
	var restErr *rest.Error
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return NewAuth("Discord rejected the bot token", err)
		case http.StatusForbidden:
			return NewForbidden("missing permissions to "+op, err)
		case http.StatusNotFound:
			return &Error{Kind: KindNotFound, Message: op + ": target not found", Err: err}
		case http.StatusTooManyRequests:
			return NewRateLimited(retryAfter(restErr.Response.Header), err)
		case http.StatusBadRequest:
			return &Error{Kind: KindInvalid, Message: op + ": request rejected by Discord", Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransient("timed out trying to "+op, err)
	}
	return NewTransient("failed to "+op, errors.Wrap(err, op))
}

func retryAfter(header http.Header) time.Duration {
	seconds, err := strconv.ParseFloat(header.Get("Retry-After"), 64)
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds * float64(time.Second))
}

func convertIdentity(user discord.User) BotIdentity {
	return BotIdentity{
		Id:            user.ID.String(),
		Username:      user.Username,
		Discriminator: user.Discriminator,
		Tag:           user.Tag(),
		Avatar:        user.EffectiveAvatarURL(),
	}
}

func convertGuild(guild discord.Guild) Guild {
	var icon string
	if url := guild.IconURL(); url != nil {
		icon = *url
	}
	return Guild{
		Id:          guild.ID.String(),
		Name:        guild.Name,
		Icon:        icon,
		MemberCount: guild.ApproximateMemberCount,
		OwnerId:     guild.OwnerID.String(),
	}
}

func convertChannel(channel discord.GuildChannel) Channel {
	var parent string
	if id := channel.ParentID(); id != nil {
		parent = id.String()
	}
	return Channel{
		Id:       channel.ID().String(),
		GuildId:  channel.GuildID().String(),
		Name:     channel.Name(),
		Type:     ChannelType(channel.Type()),
		Position: channel.Position(),
		ParentId: parent,
	}
}

func convertMessage(message discord.Message) Message {
	embeds := make([]Embed, 0, len(message.Embeds))
	for _, embed := range message.Embeds {
		embeds = append(embeds, Embed{
			Title:       embed.Title,
			Description: embed.Description,
			Url:         embed.URL,
			Color:       embed.Color,
		})
	}
	attachments := make([]Attachment, 0, len(message.Attachments))
	for _, attachment := range message.Attachments {
		var contentType string
		if attachment.ContentType != nil {
			contentType = *attachment.ContentType
		}
		attachments = append(attachments, Attachment{
			Id:          attachment.ID.String(),
			Name:        attachment.Filename,
			Url:         attachment.URL,
			ContentType: contentType,
			Size:        attachment.Size,
		})
	}
	return Message{
		Id:        message.ID.String(),
		ChannelId: message.ChannelID.String(),
		Author: Author{
			Id:     message.Author.ID.String(),
			Tag:    message.Author.Tag(),
			Avatar: message.Author.EffectiveAvatarURL(),
			Bot:    message.Author.Bot,
		},
		Content:     message.Content,
		CreatedAt:   message.CreatedAt,
		EditedAt:    message.EditedTimestamp,
		Embeds:      embeds,
		Attachments: attachments,
	}
}

func convertMember(guildId snowflake.ID, member discord.Member, roles map[snowflake.ID]Role) Member {
	memberRoles := make([]Role, 0, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		if role, ok := roles[id]; ok {
			memberRoles = append(memberRoles, role)
			continue
		}
		memberRoles = append(memberRoles, Role{Id: id.String()})
	}
	return Member{
		Id:          member.User.ID.String(),
		GuildId:     guildId.String(),
		Username:    member.User.Username,
		DisplayName: member.EffectiveName(),
		Avatar:      member.User.EffectiveAvatarURL(),
		Roles:       memberRoles,
	}
}
