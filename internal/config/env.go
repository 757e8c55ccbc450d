package config

import (
	"strconv"
	"strings"
)

// ApplyEnv overlays environment variables on a file-loaded config. Env
// wins over the file, matching the original deployment surface where a
// container could be configured without any config file at all.
//
// The interval/TTL variables carry bare numbers (seconds and minutes
// respectively), not duration strings.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}

	if v := strings.TrimSpace(getenv("TESTFLIGHT_APP_IDS")); v != "" {
		ids := make([]string, 0, 4)
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			c.Monitor.AppIDs = ids
		}
	}
	if v := strings.TrimSpace(getenv("CHECK_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Monitor.CheckInterval = strconv.Itoa(n) + "s"
		}
	}
	if v := strings.TrimSpace(getenv("CACHE_TTL_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Monitor.CacheTTL = strconv.Itoa(n) + "m"
		}
	}

	if v := strings.TrimSpace(getenv("DISCORD_WEBHOOK_URL")); v != "" {
		c.Notify.DiscordWebhookURL = v
	}
	if v := strings.TrimSpace(getenv("SLACK_WEBHOOK_URL")); v != "" {
		c.Notify.SlackWebhookURL = v
	}

	if v := strings.TrimSpace(getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		if c.Notify.Telegram == nil {
			c.Notify.Telegram = &TelegramConfig{}
		}
		c.Notify.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv("TELEGRAM_CHAT_ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if c.Notify.Telegram == nil {
				c.Notify.Telegram = &TelegramConfig{}
			}
			c.Notify.Telegram.ChatID = n
		}
	}

	if v := strings.TrimSpace(getenv("EMAIL_SMTP_SERVER")); v != "" {
		if c.Notify.Email == nil {
			c.Notify.Email = &EmailConfig{}
		}
		c.Notify.Email.SMTPServer = v
	}
	if c.Notify.Email != nil {
		if v := strings.TrimSpace(getenv("EMAIL_SMTP_PORT")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.Notify.Email.SMTPPort = n
			}
		}
		if v := strings.TrimSpace(getenv("EMAIL_USERNAME")); v != "" {
			c.Notify.Email.Username = v
		}
		if v := getenv("EMAIL_PASSWORD"); v != "" {
			c.Notify.Email.Password = v
		}
		if v := strings.TrimSpace(getenv("EMAIL_RECIPIENTS")); v != "" {
			rcpts := make([]string, 0, 2)
			for _, r := range strings.Split(v, ",") {
				if r = strings.TrimSpace(r); r != "" {
					rcpts = append(rcpts, r)
				}
			}
			if len(rcpts) > 0 {
				c.Notify.Email.Recipients = rcpts
			}
		}
	}

	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(getenv("LOG_FILE")); v != "" {
		c.Logging.File.Enabled = true
		c.Logging.File.Path = v
	}
}
