package guildbot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// cogCommand handles `/cog` and its subcommands. Anyone may submit and
// list; approving and rejecting require admin.
func (b *GuildBot) cogCommand(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
) (string, error) {
	sub, options, err := discordSubcommand(i)
	if err != nil {
		return "", newValidationError("%s", err.Error())
	}

	switch sub {
	case "submit":
		return b.cogSubmit(ctx, u, i, options)
	case "list":
		return b.cogListPending(), nil
	case "loaded":
		return b.cogListLoaded(), nil
	case "approve":
		if !b.isOwner(u.ID) {
			return "", newValidationError("you don't have permission to do that")
		}
		return b.cogApprove(ctx, options)
	case "reject":
		if !b.isAdmin(i, u.ID) {
			return "", newValidationError("you don't have permission to do that")
		}
		return b.cogReject(ctx, options)
	default:
		return "", newValidationError("unknown subcommand: %s", sub)
	}
}

func (b *GuildBot) cogSubmit(
	ctx context.Context,
	u *User,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	fileOpt, ok := options[cogOptionFile]
	if !ok {
		return "", newValidationError("missing file attachment")
	}
	attachmentID, _ := fileOpt.Value.(string)
	resolved := i.ApplicationCommandData().Resolved
	if resolved == nil || resolved.Attachments == nil {
		return "", newValidationError("no attachment found")
	}
	attachment, ok := resolved.Attachments[attachmentID]
	if !ok || attachment == nil {
		return "", newValidationError("no attachment found")
	}

	maxSize := b.config.Cogs.MaxSourceSize
	if maxSize > 0 && int64(attachment.Size) > maxSize {
		return "", newValidationError(
			"cog source exceeds the maximum size of %d bytes",
			maxSize,
		)
	}

	src, err := b.fetchAttachment(ctx, attachment.URL, maxSize)
	if err != nil {
		return "", err
	}

	pending, loaded, err := b.cogs.Submit(ctx, src, u, b.isOwner(u.ID))
	if err != nil {
		return "", err
	}

	if loaded != nil {
		verb := "loaded"
		if loaded.Replaced {
			verb = "updated"
		}
		return fmt.Sprintf(
			"Cog `%s` %s. %d command(s) registered.",
			loaded.ModuleName,
			verb,
			len(loaded.Commands()),
		), nil
	}

	b.notifyCogApprovers(ctx, pending)
	return fmt.Sprintf(
		"Cog `%s` submitted for review. Submission ID: `%s`",
		pending.ModuleName,
		pending.ID,
	), nil
}

// fetchAttachment downloads an uploaded attachment, refusing bodies
// over maxSize.
func (b *GuildBot) fetchAttachment(
	ctx context.Context,
	url string,
	maxSize int64,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating attachment request: %w", err)
	}
	rv, err := b.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching attachment: %w", err)
	}
	defer func() {
		_ = rv.Body.Close()
	}()
	if rv.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("error fetching attachment: status %d", rv.StatusCode)
	}

	reader := io.Reader(rv.Body)
	if maxSize > 0 {
		reader = io.LimitReader(rv.Body, maxSize+1)
	}
	src, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("error reading attachment: %w", err)
	}
	if maxSize > 0 && int64(len(src)) > maxSize {
		return nil, newValidationError(
			"cog source exceeds the maximum size of %d bytes",
			maxSize,
		)
	}
	return src, nil
}

func (b *GuildBot) notifyCogApprovers(ctx context.Context, pending *PendingCogSubmission) {
	config := b.RuntimeConfig()
	if config.CogApprovalChannelID == "" {
		return
	}
	content := fmt.Sprintf(
		"New cog submission `%s` (module `%s`) from <@%s>. "+
			"Review with `/cog approve id:%s` or `/cog reject id:%s`",
		pending.ID,
		pending.ModuleName,
		pending.SubmitterID,
		pending.ID,
		pending.ID,
	)
	if err := b.discord.channelMessageSend(
		config.CogApprovalChannelID,
		content,
	); err != nil {
		ContextLogger(ctx).ErrorContext(
			ctx,
			"error notifying approval channel",
			"submission_id", pending.ID,
		)
	}
}

func (b *GuildBot) cogListPending() string {
	pending := b.cogs.ListPending()
	if len(pending) == 0 {
		return "No pending submissions."
	}
	var sb strings.Builder
	sb.WriteString("**Pending cog submissions**\n")
	for _, submission := range pending {
		sb.WriteString(
			fmt.Sprintf(
				"- `%s` module `%s` from <@%s> (%s)\n",
				submission.ID,
				submission.ModuleName,
				submission.SubmitterID,
				time.UnixMilli(submission.SubmittedAt).UTC().Format(time.RFC3339),
			),
		)
	}
	return sb.String()
}

func (b *GuildBot) cogListLoaded() string {
	loaded := b.cogs.Registry().Loaded()
	if len(loaded) == 0 {
		return "No cogs loaded."
	}
	var sb strings.Builder
	sb.WriteString("**Loaded cogs**\n")
	for _, cog := range loaded {
		names := make([]string, 0, len(cog.Commands()))
		for _, name := range cog.Commands() {
			names = append(names, "/"+name)
		}
		commandList := "no commands"
		if len(names) > 0 {
			commandList = strings.Join(names, ", ")
		}
		sb.WriteString(
			fmt.Sprintf("- `%s` (%s)\n", cog.ModuleName, commandList),
		)
	}
	return sb.String()
}

func (b *GuildBot) cogApprove(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	idOpt, ok := options[cogOptionSubmissionID]
	if !ok {
		return "", newValidationError("missing submission ID")
	}
	submissionID := idOpt.StringValue()

	loaded, err := b.cogs.Approve(ctx, submissionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Approved `%s`: cog `%s` is live with %d command(s).",
		submissionID,
		loaded.ModuleName,
		len(loaded.Commands()),
	), nil
}

func (b *GuildBot) cogReject(
	ctx context.Context,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	idOpt, ok := options[cogOptionSubmissionID]
	if !ok {
		return "", newValidationError("missing submission ID")
	}
	submissionID := idOpt.StringValue()

	reason := ""
	if reasonOpt, hasReason := options[cogOptionReason]; hasReason {
		reason = reasonOpt.StringValue()
	}

	if err := b.cogs.Reject(ctx, submissionID, reason); err != nil {
		return "", err
	}
	return fmt.Sprintf("Rejected submission `%s`.", submissionID), nil
}
