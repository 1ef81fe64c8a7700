package guildbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// balanceCommand handles `/balance`. With no option it reports the
// caller's balance, otherwise the target user's.
func (b *GuildBot) balanceCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	target := u.ID
	mention := fmt.Sprintf("<@%s>", u.ID)

	options := discordInteractionOptions(i)
	if opt, ok := options[currencyOptionUser]; ok {
		targetUser := opt.UserValue(nil)
		if targetUser == nil {
			return "", newValidationError("no user found for that option")
		}
		target = targetUser.ID
		mention = fmt.Sprintf("<@%s>", targetUser.ID)
	}

	balance, err := b.ledger.GetBalance(ctx, target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s has **%d** coins", mention, balance), nil
}

// payCommand handles `/pay`, transferring coins from the caller to the
// named recipient.
func (b *GuildBot) payCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	options := discordInteractionOptions(i)

	userOpt, ok := options[currencyOptionUser]
	if !ok {
		return "", newValidationError("missing recipient")
	}
	recipient := userOpt.UserValue(nil)
	if recipient == nil {
		return "", newValidationError("no user found for that option")
	}
	if recipient.Bot {
		return "", newValidationError("bots don't need coins")
	}

	amountOpt, ok := options[currencyOptionAmount]
	if !ok {
		return "", newValidationError("missing amount")
	}
	amount := amountOpt.IntValue()

	// keeps the recipient in the user table so they show up in
	// leaderboards by name
	if _, _, err := b.GetOrCreateUser(ctx, *recipient); err != nil {
		ContextLogger(ctx).WarnContext(
			ctx,
			"error creating recipient user",
			tint.Err(err),
		)
	}

	config := b.RuntimeConfig()
	record, err := b.ledger.Transfer(ctx, u.ID, recipient.ID, amount, config.TransferCap)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"<@%s> sent **%d** coins to <@%s> (transaction #%d)",
		u.ID,
		amount,
		recipient.ID,
		record.ID,
	), nil
}

// richestCommand handles `/richest`, showing the top balances.
func (b *GuildBot) richestCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (string, error) {
	count := 10
	options := discordInteractionOptions(i)
	if opt, ok := options[richestOptionCount]; ok {
		count = int(opt.IntValue())
	}

	accounts, err := b.ledger.TopBalances(ctx, count)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "Nobody has any coins yet!", nil
	}

	var sb strings.Builder
	sb.WriteString("**Richest members**\n")
	for n, account := range accounts {
		sb.WriteString(
			fmt.Sprintf(
				"%d. <@%s> - %d coins\n",
				n+1,
				account.UserID,
				account.Balance,
			),
		)
	}
	return sb.String(), nil
}
