package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.setBotID(r.User.ID)
	a.mu.Lock()
	a.connected = true
	a.reconnects = 0
	a.mu.Unlock()

	a.logger.Info("discord connection ready",
		"user", r.User.Username,
		"guilds", len(r.Guilds))

	// BulkOverwrite is idempotent, so re-registering after a reconnect
	// is harmless.
	if _, err := a.session.ApplicationCommandBulkOverwrite(r.User.ID, a.config.GuildID, slashCommands()); err != nil {
		a.logger.Error("registering slash commands failed", "error", err)
	}
}

func (a *Adapter) handleDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	a.mu.Lock()
	a.reconnects++
	count := a.reconnects
	a.mu.Unlock()

	// The library reconnects on its own; handleReady fires again once
	// the session is restored.
	a.logger.Warn("discord gateway disconnected", "count", count)
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !a.userAllowed(m.Author) {
		a.logger.Debug("dropping message from non-allowlisted user", "user_id", m.Author.ID)
		return
	}
	if !a.relevant(m) {
		return
	}

	ev := a.convertMessage(m)
	if ev == nil {
		return
	}

	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("event queue full, dropping message", "chat_id", m.ChannelID)
	}
}

// relevant decides whether a message should reach the agent. DMs always
// do; guild messages need a mention, a reply to the bot, or a channel
// on the free response list.
func (a *Adapter) relevant(m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return true
	}
	for _, id := range a.config.FreeResponseChannels {
		if id == m.ChannelID {
			return true
		}
	}
	botID := a.currentBotID()
	for _, u := range m.Mentions {
		if u.ID == botID {
			return true
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil && ref.Author.ID == botID {
		return true
	}
	return false
}

func (a *Adapter) convertMessage(m *discordgo.MessageCreate) *models.MessageEvent {
	text := m.Content
	if m.GuildID != "" {
		text = stripMention(text, a.currentBotID())
	}

	ev := &models.MessageEvent{
		Text:        text,
		MessageType: models.TypeText,
		MessageID:   m.ID,
		Source:      a.origin(m),
		RawMessage:  m.Message,
		Timestamp:   m.Timestamp,
	}
	if m.MessageReference != nil {
		ev.ReplyToMessageID = m.MessageReference.MessageID
	}

	for _, att := range m.Attachments {
		kind := mediaKind(att.ContentType)
		path, err := a.config.Media.Download(a.ctx, att.URL, nil)
		if err != nil {
			a.logger.Error("attachment download failed",
				"error", err,
				"filename", att.Filename)
			continue
		}
		ev.MediaURLs = append(ev.MediaURLs, path)
		ev.MediaTypes = append(ev.MediaTypes, kind)
	}
	if ev.Text == "" && len(ev.MediaTypes) > 0 {
		switch ev.MediaTypes[0] {
		case "image":
			ev.MessageType = models.TypePhoto
		case "video":
			ev.MessageType = models.TypeVideo
		case "audio":
			ev.MessageType = models.TypeAudio
		default:
			ev.MessageType = models.TypeDocument
		}
	}

	if strings.HasPrefix(ev.Text, "/") {
		ev.MessageType = models.TypeCommand
	}
	if ev.Text == "" && len(ev.MediaURLs) == 0 {
		return nil
	}
	return ev
}

func (a *Adapter) origin(m *discordgo.MessageCreate) models.Origin {
	origin := models.Origin{
		Platform: models.SourceDiscord,
		ChatID:   m.ChannelID,
		UserID:   m.Author.ID,
		UserName: m.Author.Username,
	}
	if m.GuildID == "" {
		origin.ChatType = models.ChatDM
		origin.ChatName = m.Author.Username
	} else {
		origin.ChatType = models.ChatChannel
	}
	return origin
}

// stripMention removes the bot's mention tokens so the agent sees
// clean text.
func stripMention(text, botID string) string {
	if botID == "" {
		return strings.TrimSpace(text)
	}
	text = strings.ReplaceAll(text, "<@"+botID+">", "")
	text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	return strings.TrimSpace(text)
}

func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

func (a *Adapter) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		a.handleSlashCommand(i)
	case discordgo.InteractionMessageComponent:
		a.handleApprovalButton(i)
	}
}

func (a *Adapter) handleSlashCommand(i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	if !a.userAllowed(user) {
		a.respondEphemeral(i, "You are not authorized to use this bot.")
		return
	}

	data := i.ApplicationCommandData()
	text := "/" + data.Name
	for _, opt := range data.Options {
		text += fmt.Sprintf(" %v", opt.Value)
	}

	ev := &models.MessageEvent{
		Text:        text,
		MessageType: models.TypeCommand,
		MessageID:   i.ID,
		Timestamp:   time.Now(),
		Source: models.Origin{
			Platform: models.SourceDiscord,
			ChatID:   i.ChannelID,
			ChatType: models.ChatChannel,
		},
	}
	if i.GuildID == "" {
		ev.Source.ChatType = models.ChatDM
	}
	if user != nil {
		ev.Source.UserID = user.ID
		ev.Source.UserName = user.Username
	}

	// Interactions fail visibly unless acknowledged within three
	// seconds; the real reply arrives as a regular channel message.
	a.respondEphemeral(i, "On it.")

	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("event queue full, dropping interaction")
	}
}

const approvalCustomIDPrefix = "appr|"

// PromptApproval posts the command with Allow Once / Always Allow /
// Deny buttons.
func (a *Adapter) PromptApproval(ctx context.Context, chatID string, req *channels.ApprovalRequest) error {
	text := fmt.Sprintf("Approval needed to run:\n```\n%s\n```", req.Command)
	if req.Description != "" {
		text += "\n" + req.Description
	}
	if req.TimeoutText != "" {
		text += "\n" + req.TimeoutText
	}

	_, err := a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: text,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Allow Once",
					Style:    discordgo.PrimaryButton,
					CustomID: approvalCustomID("once", req),
				},
				discordgo.Button{
					Label:    "Always Allow",
					Style:    discordgo.SecondaryButton,
					CustomID: approvalCustomID("session", req),
				},
				discordgo.Button{
					Label:    "Deny",
					Style:    discordgo.DangerButton,
					CustomID: approvalCustomID("deny", req),
				},
			}},
		},
	})
	if err != nil {
		return channels.ErrInternal("sending approval prompt", err)
	}
	return nil
}

func approvalCustomID(verb string, req *channels.ApprovalRequest) string {
	return approvalCustomIDPrefix + verb + "|" + req.RequesterID + "|" + req.Key
}

// parseApprovalCustomID splits "appr|<verb>|<requester>|<key>". The
// requester may be empty when anyone present can respond.
func parseApprovalCustomID(data string) (decision approval.Decision, requester, key string, ok bool) {
	rest, found := strings.CutPrefix(data, approvalCustomIDPrefix)
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", "", "", false
	}
	switch parts[0] {
	case "once":
		decision = approval.AllowOnce
	case "session":
		decision = approval.AllowSession
	case "deny":
		decision = approval.Deny
	default:
		return "", "", "", false
	}
	return decision, parts[1], parts[2], true
}

func (a *Adapter) handleApprovalButton(i *discordgo.InteractionCreate) {
	if a.config.Approvals == nil {
		return
	}
	decision, requester, key, ok := parseApprovalCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	user := interactionUser(i)
	if !a.userAllowed(user) {
		a.respondEphemeral(i, "You are not authorized to respond.")
		return
	}
	if requester != "" && (user == nil || user.ID != requester) {
		a.respondEphemeral(i, "Only the person who triggered this command can respond.")
		return
	}

	resolved := a.config.Approvals.Resolve(key, decision)

	var result string
	switch {
	case !resolved:
		result = "This approval request already expired."
	case decision == approval.AllowOnce:
		result = "Approved once."
	case decision == approval.AllowSession:
		result = "Approved for this session."
	default:
		result = "Denied."
	}

	// Replace the buttons with the outcome so the prompt cannot be
	// answered twice.
	content := result
	if i.Message != nil {
		content = i.Message.Content + "\n" + result
	}
	err := a.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		a.logger.Debug("updating approval prompt failed", "error", err)
	}
}

func (a *Adapter) respondEphemeral(i *discordgo.InteractionCreate, text string) {
	err := a.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		a.logger.Debug("interaction ack failed", "error", err)
	}
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

// slashCommands is the command surface registered with Discord. The
// gateway interprets the resulting "/name args" text like any other
// command message.
func slashCommands() []*discordgo.ApplicationCommand {
	withText := func(name, desc, optDesc string, required bool) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:        name,
			Description: desc,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "text",
				Description: optDesc,
				Required:    required,
			}},
		}
	}
	plain := func(name, desc string) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{Name: name, Description: desc}
	}
	return []*discordgo.ApplicationCommand{
		withText("ask", "Ask the assistant", "Your message", true),
		plain("new", "Start a fresh session"),
		plain("reset", "Clear the current session"),
		withText("model", "Show or switch the model", "Model name", false),
		withText("personality", "Show or switch the personality", "Personality name", false),
		plain("retry", "Retry the last exchange"),
		plain("undo", "Remove the last exchange"),
		plain("status", "Show session status"),
		plain("sethome", "Make this chat the home channel"),
		plain("stop", "Cancel the in-flight run"),
		plain("help", "List available commands"),
	}
}
