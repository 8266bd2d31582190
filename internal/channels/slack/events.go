package slack

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

func (a *Adapter) handleEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.socketEvents:
			if !ok {
				return
			}

			switch event.Type {
			case socketmode.EventTypeConnecting:
				a.logger.Debug("socket mode connecting")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", event.Data)
			case socketmode.EventTypeConnected:
				a.logger.Info("socket mode connected")
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(event)
			case socketmode.EventTypeSlashCommand:
				a.handleSlashCommand(event)
			case socketmode.EventTypeInteractive:
				a.handleInteractive(event)
			}
		}
	}
}

func (a *Adapter) ack(event socketmode.Event, payload ...interface{}) {
	if event.Request != nil {
		a.socket.Ack(*event.Request, payload...)
	}
}

func (a *Adapter) handleEventsAPI(event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.ack(event)
		return
	}
	a.ack(event)

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		// Route mentions through the message path so both shapes get
		// identical handling.
		a.deliver(&slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			ChannelType:     "channel",
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})

	case *slackevents.MessageEvent:
		if !a.relevant(ev) {
			return
		}
		a.deliver(ev)
	}
}

// relevant filters plain message events. Mentions arrive separately as
// AppMentionEvents, so anything carrying the bot mention is skipped
// here to avoid double handling.
func (a *Adapter) relevant(ev *slackevents.MessageEvent) bool {
	botID := a.currentBotID()
	if ev.BotID != "" || ev.User == botID {
		return false
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return false
	}
	if botID != "" && strings.Contains(ev.Text, "<@"+botID+">") {
		return false
	}
	if ev.ChannelType == "im" {
		return true
	}
	for _, id := range a.config.FreeResponseChannels {
		if id == ev.Channel {
			return true
		}
	}
	// Thread replies keep an engaged conversation going without
	// repeated mentions.
	return ev.ThreadTimeStamp != ""
}

func (a *Adapter) deliver(ev *slackevents.MessageEvent) {
	if !a.userAllowed(ev.User, "") {
		a.logger.Debug("dropping message from non-allowlisted user", "user_id", ev.User)
		return
	}

	converted := a.convertMessage(ev)
	if converted == nil {
		return
	}

	select {
	case a.events <- converted:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("event queue full, dropping message", "chat_id", ev.Channel)
	}
}

func (a *Adapter) convertMessage(ev *slackevents.MessageEvent) *models.MessageEvent {
	converted := &models.MessageEvent{
		Text:        stripMentions(ev.Text),
		MessageType: models.TypeText,
		MessageID:   ev.TimeStamp,
		Source:      a.origin(ev),
		RawMessage:  ev,
	}
	if ts, err := parseSlackTimestamp(ev.TimeStamp); err == nil {
		converted.Timestamp = ts
	} else {
		converted.Timestamp = time.Now()
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		converted.ReplyToMessageID = ev.ThreadTimeStamp
	}

	if ev.Message != nil {
		// The MessageEvent unmarshaler always populates Message, copying
		// top-level fields (including files) for regular messages too.
		for _, f := range ev.Message.Files {
			a.attachFile(converted, f.Name, f.Mimetype, f.URLPrivateDownload)
		}
	}
	if converted.Text == "" && len(converted.MediaTypes) > 0 {
		switch converted.MediaTypes[0] {
		case "image":
			converted.MessageType = models.TypePhoto
		case "video":
			converted.MessageType = models.TypeVideo
		case "audio":
			converted.MessageType = models.TypeAudio
		default:
			converted.MessageType = models.TypeDocument
		}
	}

	if strings.HasPrefix(converted.Text, "/") {
		converted.MessageType = models.TypeCommand
	}
	if converted.Text == "" && len(converted.MediaURLs) == 0 {
		return nil
	}
	return converted
}

// attachFile downloads a shared file with the bot token. Slack file
// URLs require authentication.
func (a *Adapter) attachFile(ev *models.MessageEvent, name, mimeType, url string) {
	if url == "" {
		return
	}
	header := http.Header{"Authorization": {"Bearer " + a.config.BotToken}}
	path, err := a.config.Media.Download(a.ctx, url, header)
	if err != nil {
		a.logger.Error("file download failed", "error", err, "file", name)
		return
	}
	ev.MediaURLs = append(ev.MediaURLs, path)
	ev.MediaTypes = append(ev.MediaTypes, mediaKind(mimeType))
}

func (a *Adapter) origin(ev *slackevents.MessageEvent) models.Origin {
	origin := models.Origin{
		Platform: models.SourceSlack,
		ChatID:   ev.Channel,
		UserID:   ev.User,
		UserName: ev.User,
		ChatType: chatTypeFor(ev.Channel, ev.ChannelType),
	}
	if ev.ThreadTimeStamp != "" {
		origin.ThreadID = ev.ThreadTimeStamp
		origin.ChatType = models.ChatThread
	}
	return origin
}

// chatTypeFor maps the channel type, falling back to the ID prefix
// when the event omits it.
func chatTypeFor(channelID, channelType string) models.ChatType {
	switch channelType {
	case "im":
		return models.ChatDM
	case "group", "mpim":
		return models.ChatGroup
	case "channel":
		return models.ChatChannel
	}
	switch {
	case strings.HasPrefix(channelID, "D"):
		return models.ChatDM
	case strings.HasPrefix(channelID, "G"):
		return models.ChatGroup
	default:
		return models.ChatChannel
	}
}

// stripMentions removes every <@USERID> token.
func stripMentions(text string) string {
	for strings.Contains(text, "<@") {
		start := strings.Index(text, "<@")
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}

// handleSlashCommand turns "/hermes status" into the "/status" command
// event the gateway understands.
func (a *Adapter) handleSlashCommand(event socketmode.Event) {
	cmd, ok := event.Data.(slack.SlashCommand)
	if !ok {
		a.ack(event)
		return
	}
	a.ack(event, map[string]interface{}{
		"response_type": "ephemeral",
		"text":          "On it.",
	})

	if !a.userAllowed(cmd.UserID, cmd.UserName) {
		return
	}

	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		text = "help"
	}
	if !strings.HasPrefix(text, "/") {
		text = "/" + text
	}

	ev := &models.MessageEvent{
		Text:        text,
		MessageType: models.TypeCommand,
		MessageID:   cmd.TriggerID,
		Timestamp:   time.Now(),
		Source: models.Origin{
			Platform: models.SourceSlack,
			ChatID:   cmd.ChannelID,
			ChatName: cmd.ChannelName,
			UserID:   cmd.UserID,
			UserName: cmd.UserName,
			ChatType: chatTypeFor(cmd.ChannelID, ""),
		},
	}

	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("event queue full, dropping slash command")
	}
}

const approvalActionPrefix = "appr|"

// PromptApproval posts the command with Allow Once / Always Allow /
// Deny buttons.
func (a *Adapter) PromptApproval(ctx context.Context, chatID string, req *channels.ApprovalRequest) error {
	text := fmt.Sprintf("Approval needed to run:\n```%s```", req.Command)
	if req.Description != "" {
		text += "\n" + req.Description
	}
	if req.TimeoutText != "" {
		text += "\n" + req.TimeoutText
	}

	value := req.RequesterID + "|" + req.Key
	once := slack.NewButtonBlockElement(approvalActionPrefix+"once", value,
		slack.NewTextBlockObject(slack.PlainTextType, "Allow Once", false, false))
	once.Style = slack.StylePrimary
	session := slack.NewButtonBlockElement(approvalActionPrefix+"session", value,
		slack.NewTextBlockObject(slack.PlainTextType, "Always Allow", false, false))
	deny := slack.NewButtonBlockElement(approvalActionPrefix+"deny", value,
		slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false))
	deny.Style = slack.StyleDanger

	_, _, err := a.api.PostMessageContext(ctx, chatID,
		slack.MsgOptionText("Approval needed", false),
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
			slack.NewActionBlock("approval", once, session, deny),
		))
	if err != nil {
		return channels.ErrInternal("sending approval prompt", err)
	}
	return nil
}

func (a *Adapter) handleInteractive(event socketmode.Event) {
	cb, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		a.ack(event)
		return
	}
	a.ack(event)

	if a.config.Approvals == nil || cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	if len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	action := cb.ActionCallback.BlockActions[0]

	decision, requester, key, ok := parseApprovalAction(action.ActionID, action.Value)
	if !ok {
		return
	}

	reply := func(text string) {
		if _, _, err := a.api.PostMessageContext(a.ctx, cb.Channel.ID, slack.MsgOptionText(text, false)); err != nil {
			a.logger.Debug("posting approval outcome failed", "error", err)
		}
	}

	if !a.userAllowed(cb.User.ID, cb.User.Name) {
		reply("You are not authorized to respond.")
		return
	}
	if requester != "" && cb.User.ID != requester {
		reply("Only the person who triggered this command can respond.")
		return
	}

	resolved := a.config.Approvals.Resolve(key, decision)
	switch {
	case !resolved:
		reply("This approval request already expired.")
	case decision == approval.AllowOnce:
		reply("Approved once.")
	case decision == approval.AllowSession:
		reply("Approved for this session.")
	default:
		reply("Denied.")
	}
}

// parseApprovalAction splits the "appr|<verb>" action ID and the
// "<requester>|<key>" value.
func parseApprovalAction(actionID, value string) (decision approval.Decision, requester, key string, ok bool) {
	verb, found := strings.CutPrefix(actionID, approvalActionPrefix)
	if !found {
		return "", "", "", false
	}
	switch verb {
	case "once":
		decision = approval.AllowOnce
	case "session":
		decision = approval.AllowSession
	case "deny":
		decision = approval.Deny
	default:
		return "", "", "", false
	}
	requester, key, found = strings.Cut(value, "|")
	if !found || key == "" {
		return "", "", "", false
	}
	return decision, requester, key, true
}

// parseSlackTimestamp converts "1234567890.123456" to a time.Time.
func parseSlackTimestamp(ts string) (time.Time, error) {
	secs, frac, ok := strings.Cut(ts, ".")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q", ts)
	}
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	micro, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, micro*1000), nil
}
