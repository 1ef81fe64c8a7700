package guildbot

import (
	"context"
	"fmt"
	"time"
)

// pingCommand handles `/ping`.
func (b *GuildBot) pingCommand(context.Context) (string, error) {
	return fmt.Sprintf(
		"Pong! Up for %s",
		time.Since(b.startedAt).Round(time.Second),
	), nil
}
