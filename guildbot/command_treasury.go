package guildbot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// treasuryCommand handles `/treasury` and its subcommands. All of them
// require the caller to be the bot owner or carry the admin role.
func (b *GuildBot) treasuryCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	if !b.isAdmin(i, u.ID) {
		return "", newValidationError("you don't have permission to do that")
	}

	sub, options, err := discordSubcommand(i)
	if err != nil {
		return "", newValidationError("%s", err.Error())
	}

	switch sub {
	case "set":
		return b.treasurySetBalance(ctx, u, options)
	case "grant-all":
		return b.treasuryGrantAll(ctx, options)
	case "init-all":
		return b.treasuryInitAll(ctx)
	default:
		return "", newValidationError("unknown subcommand: %s", sub)
	}
}

func (b *GuildBot) treasurySetBalance(
	ctx context.Context,
	u *User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	userOpt, ok := options[currencyOptionUser]
	if !ok {
		return "", newValidationError("missing user")
	}
	target := userOpt.UserValue(nil)
	if target == nil {
		return "", newValidationError("no user found for that option")
	}

	amountOpt, ok := options[currencyOptionAmount]
	if !ok {
		return "", newValidationError("missing amount")
	}
	amount := amountOpt.IntValue()

	record, err := b.ledger.SetBalance(ctx, target.ID, amount)
	if err != nil {
		return "", err
	}

	ContextLogger(ctx).InfoContext(
		ctx,
		"admin set balance",
		"admin_id", u.ID,
		columnUserID, target.ID,
		"amount", amount,
		"delta", record.Amount,
	)
	return fmt.Sprintf(
		"Set <@%s>'s balance to **%d** coins (change of %+d)",
		target.ID,
		amount,
		record.Amount,
	), nil
}

func (b *GuildBot) treasuryGrantAll(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	amountOpt, ok := options[currencyOptionAmount]
	if !ok {
		return "", newValidationError("missing amount")
	}
	amount := amountOpt.IntValue()

	memberIDs, err := b.humanMemberIDs(ctx)
	if err != nil {
		return "", err
	}

	config := b.RuntimeConfig()
	count, err := b.ledger.GrantToMembers(ctx, memberIDs, amount, config.BulkGrantCap)
	if err != nil && count == 0 {
		return "", err
	}
	if err != nil {
		return fmt.Sprintf(
			"Granted **%d** coins to %d members (some grants failed, check the logs)",
			amount,
			count,
		), nil
	}
	return fmt.Sprintf("Granted **%d** coins to %d members", amount, count), nil
}

func (b *GuildBot) treasuryInitAll(ctx context.Context) (string, error) {
	memberIDs, err := b.humanMemberIDs(ctx)
	if err != nil {
		return "", err
	}

	config := b.RuntimeConfig()
	count, err := b.ledger.InitializeMembers(ctx, memberIDs, config.InitialBalance)
	if err != nil && count == 0 {
		return "", err
	}
	if err != nil {
		return fmt.Sprintf(
			"Gave %d members their initial **%d** coins (some grants failed, check the logs)",
			count,
			config.InitialBalance,
		), nil
	}
	return fmt.Sprintf(
		"Gave %d members their initial **%d** coins",
		count,
		config.InitialBalance,
	), nil
}

// humanMemberIDs returns the IDs of all non-bot members in the
// configured guild, creating user rows as needed.
func (b *GuildBot) humanMemberIDs(ctx context.Context) ([]string, error) {
	members, err := b.discord.guildMembers()
	if err != nil {
		return nil, fmt.Errorf("error listing guild members: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.User == nil || m.User.Bot {
			continue
		}
		if _, _, userErr := b.GetOrCreateUser(ctx, *m.User); userErr != nil {
			ContextLogger(ctx).WarnContext(
				ctx,
				"error creating member user",
				columnUserID, m.User.ID,
			)
		}
		ids = append(ids, m.User.ID)
	}
	return ids, nil
}
