package notifs

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/webhook"
	"github.com/disgoorg/snowflake/v2"

	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

var _ models.Notifier = &DiscordHandler{}

type DiscordColor int

const (
	DiscordColor_None    = iota
	DiscordColor_Info    = 3447003
	DiscordColor_Ok      = 3581519
	DiscordColor_Warning = 16776960
	DiscordColor_Alert   = 16711712
)

const DiscordPacing = 2 * time.Second

// Discord rejects embed descriptions longer than this
const discordMaxDescLength = 4096

type DiscordHandler struct {
	alertWebhook   webhook.Client
	warningWebhook webhook.Client
	logger         models.Logger
}

func NewDiscordHandler(logger models.Logger) (*DiscordHandler, error) {
	if a, err := parseDiscordWebhookUrl(common.Env_AlertWebhook); err != nil {
		return nil, err
	} else if w, err := parseDiscordWebhookUrl(common.Env_WarningWebhook); err != nil {
		return nil, err
	} else {
		return &DiscordHandler{a, w, logger}, nil
	}
}

func parseDiscordWebhookUrl(urlEnv string) (webhook.Client, error) {
	webhookUrl := os.Getenv(urlEnv)
	if len(webhookUrl) > 0 {
		if parsedUrl, err := url.Parse(webhookUrl); err != nil {
			return nil, err
		} else {
			urlParts := strings.Split(strings.TrimSuffix(parsedUrl.Path, "/"), "/")
			if len(urlParts) < 2 {
				return nil, fmt.Errorf("malformed discord webhook url in %s", urlEnv)
			}
			if id, err := snowflake.Parse(urlParts[len(urlParts)-2]); err != nil {
				return nil, err
			} else {
				return webhook.New(id, urlParts[len(urlParts)-1]), nil
			}
		}
	}
	return nil, nil
}

// SendAlert posts to the alert channel, falling back to the warning channel. Without either webhook the alert is only
// logged.
func (d DiscordHandler) SendAlert(title, desc, content string) error {
	if d.alertWebhook != nil {
		return d.sendNotif(d.alertWebhook, title, desc, content, DiscordColor_Alert)
	} else if d.warningWebhook != nil {
		return d.sendNotif(d.warningWebhook, title, desc, content, DiscordColor_Warning)
	}
	d.logger.Warnf("sendAlert: no discord webhook configured: %s, %s, %s", title, desc, content)
	return nil
}

func (d DiscordHandler) sendNotif(wh webhook.Client, title, desc, content string, color DiscordColor) error {
	messageEmbed := discord.Embed{
		Title:       title,
		Description: formatDescription(desc, content),
		Type:        discord.EmbedTypeRich,
		Color:       int(color),
	}
	_, err := wh.CreateMessage(discord.NewWebhookMessageCreateBuilder().
		SetEmbeds(messageEmbed).
		SetUsername(common.ServiceName).
		Build(),
		rest.WithDelay(DiscordPacing),
	)
	if err != nil {
		d.logger.Errorf("sendNotif: error sending discord notification: %v, %s, %s", err, title, desc)
		return err
	}
	return nil
}

func formatDescription(desc, content string) string {
	formatted := fmt.Sprintf("**%s**\n```\n%s\n```", desc, content)
	if len(formatted) > discordMaxDescLength {
		// Keep the closing fence
		overflow := len(formatted) - discordMaxDescLength + len("...")
		if overflow > len(content) {
			overflow = len(content)
		}
		content = content[:len(content)-overflow]
		formatted = fmt.Sprintf("**%s**\n```\n%s...\n```", desc, content)
	}
	return formatted
}
