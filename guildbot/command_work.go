package guildbot

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

var workFlavors = []string{
	"You fixed a merge conflict and earned **%d** coins!",
	"You walked the guild mascot and earned **%d** coins!",
	"You moderated a heated thread and earned **%d** coins!",
	"You wrote documentation nobody will read and earned **%d** coins!",
	"You answered a question in #help and earned **%d** coins!",
}

// workCommand handles `/work`: a random coin payout on a per-user
// cooldown.
func (b *GuildBot) workCommand(ctx context.Context, u *User) (string, error) {
	now := time.Now()
	if availableAt := u.workAvailableAt(); now.Before(availableAt) {
		return fmt.Sprintf(
			"You're exhausted! You can work again in %s",
			availableAt.Sub(now).Round(time.Second),
		), nil
	}

	config := b.RuntimeConfig()
	minReward := config.WorkMinReward
	maxReward := config.WorkMaxReward
	if maxReward < minReward {
		maxReward = minReward
	}
	reward := minReward
	if maxReward > minReward {
		reward = minReward + rand.Int63n(maxReward-minReward+1)
	}

	if _, err := b.ledger.Credit(
		ctx,
		u.ID,
		reward,
		TransactionTypeSystem,
		"work",
	); err != nil {
		return "", err
	}

	u.LastWorkAt = now.UnixMilli()
	u.WorkCooldown = config.WorkCooldown
	if _, err := b.writeDB.Updates(
		ctx, u, map[string]any{
			columnUserLastWorkAt:   u.LastWorkAt,
			columnUserWorkCooldown: u.WorkCooldown,
		},
	); err != nil {
		// the payout already landed, so don't fail the command over
		// a cooldown bookkeeping error
		ContextLogger(ctx).ErrorContext(ctx, "error updating work cooldown")
	}

	flavor := workFlavors[rand.Intn(len(workFlavors))]
	return fmt.Sprintf(flavor, reward), nil
}
