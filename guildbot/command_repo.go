package guildbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// repoCommand handles `/repo` and its subcommands. Adding and removing
// repositories requires admin.
func (b *GuildBot) repoCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	sub, options, err := discordSubcommand(i)
	if err != nil {
		return "", newValidationError("%s", err.Error())
	}

	switch sub {
	case "add":
		if !b.isAdmin(i, u.ID) {
			return "", newValidationError("you don't have permission to do that")
		}
		urlOpt, ok := options[repoOptionURL]
		if !ok {
			return "", newValidationError("missing clone URL")
		}
		tracked, addErr := b.repos.Add(ctx, urlOpt.StringValue(), u.ID)
		if addErr != nil {
			return "", addErr
		}
		return fmt.Sprintf(
			"Now tracking `%s` (HEAD at `%s`)",
			tracked.Name,
			tracked.LastCommit[:7],
		), nil
	case "remove":
		if !b.isAdmin(i, u.ID) {
			return "", newValidationError("you don't have permission to do that")
		}
		nameOpt, ok := options[repoOptionName]
		if !ok {
			return "", newValidationError("missing repository name")
		}
		name := nameOpt.StringValue()
		if removeErr := b.repos.Remove(ctx, name); removeErr != nil {
			return "", removeErr
		}
		return fmt.Sprintf("Stopped tracking `%s`", name), nil
	case "list":
		repos, listErr := b.repos.List(ctx)
		if listErr != nil {
			return "", listErr
		}
		if len(repos) == 0 {
			return "Not tracking any repositories.", nil
		}
		var sb strings.Builder
		sb.WriteString("**Tracked repositories**\n")
		for _, tracked := range repos {
			sb.WriteString(
				fmt.Sprintf("- `%s` <%s>\n", tracked.Name, tracked.URL),
			)
		}
		return sb.String(), nil
	default:
		return "", newValidationError("unknown subcommand: %s", sub)
	}
}
