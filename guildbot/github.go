package guildbot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var columnTrackedRepoName = "name"

// repoNamePattern constrains derived repository names to something safe
// to use as a directory name.
var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// TrackedRepo is a git repository the bot clones and polls for new
// commits.
type TrackedRepo struct {
	ModelUintID
	ModelUnixTime

	// Name identifies the repo in commands and names its clone
	// directory.
	Name string `json:"name" gorm:"uniqueIndex;not null"`

	// URL is the clone URL.
	URL string `json:"url" gorm:"not null"`

	// LastCommit is the HEAD hash seen at the last poll.
	LastCommit string `json:"last_commit" gorm:"type:string"`

	// AddedByID is the Discord user ID that added the repo.
	AddedByID string `json:"added_by_id" gorm:"type:string"`
}

// RepoManager clones tracked repositories and polls them for new
// commits, announcing updates to the configured channel.
type RepoManager struct {
	config *GitHubConfig
	b      *GuildBot
}

func newRepoManager(config *GitHubConfig, b *GuildBot) *RepoManager {
	return &RepoManager{config: config, b: b}
}

func (r *RepoManager) clonePath(name string) string {
	return filepath.Join(r.config.CloneDir, name)
}

// repoNameFromURL derives a repository name from the final path
// component of its clone URL.
func repoNameFromURL(url string) (string, error) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")
	idx := strings.LastIndexAny(trimmed, "/:")
	if idx < 0 || idx == len(trimmed)-1 {
		return "", newValidationError("could not derive a repository name from that URL")
	}
	// a separator directly before the last one means the remainder is
	// a scheme or host, not a repository name
	if idx > 0 && (trimmed[idx-1] == '/' || trimmed[idx-1] == ':') {
		return "", newValidationError("could not derive a repository name from that URL")
	}
	name := trimmed[idx+1:]
	if !repoNamePattern.MatchString(name) {
		return "", newValidationError("could not derive a repository name from that URL")
	}
	return name, nil
}

// Add clones the repository and records it for polling.
func (r *RepoManager) Add(ctx context.Context, url string, userID string) (
	*TrackedRepo,
	error,
) {
	name, err := repoNameFromURL(url)
	if err != nil {
		return nil, err
	}

	var existing TrackedRepo
	findErr := r.b.db.WithContext(ctx).Where(
		"name = ?", name,
	).First(&existing).Error
	if findErr == nil {
		return nil, newValidationError("already tracking a repository named %s", name)
	}
	if !errors.Is(findErr, gorm.ErrRecordNotFound) {
		return nil, findErr
	}

	if mkdirErr := os.MkdirAll(r.config.CloneDir, 0o755); mkdirErr != nil {
		return nil, fmt.Errorf("error creating clone dir: %w", mkdirErr)
	}

	path := r.clonePath(name)
	repo, err := git.PlainCloneContext(
		ctx, path, false, &git.CloneOptions{URL: url},
	)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("error cloning %s: %w", url, err)
	}

	head, err := repo.Head()
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("error reading HEAD: %w", err)
	}

	tracked := &TrackedRepo{
		Name:       name,
		URL:        url,
		LastCommit: head.Hash().String(),
		AddedByID:  userID,
	}
	if _, err = r.b.writeDB.Create(ctx, tracked); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	return tracked, nil
}

// Remove stops tracking the named repository and deletes its clone.
func (r *RepoManager) Remove(ctx context.Context, name string) error {
	var tracked TrackedRepo
	err := r.b.db.WithContext(ctx).Where("name = ?", name).First(&tracked).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newValidationError("not tracking a repository named %s", name)
		}
		return err
	}
	if _, err = r.b.writeDB.Delete(&tracked); err != nil {
		return err
	}
	if rmErr := os.RemoveAll(r.clonePath(name)); rmErr != nil {
		return fmt.Errorf("error removing clone: %w", rmErr)
	}
	return nil
}

// List returns all tracked repositories.
func (r *RepoManager) List(ctx context.Context) ([]TrackedRepo, error) {
	var repos []TrackedRepo
	err := r.b.db.WithContext(ctx).Order("name").Find(&repos).Error
	return repos, err
}

// watch polls tracked repositories until the context is canceled.
func (r *RepoManager) watch(ctx context.Context) {
	if r.config.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *RepoManager) poll(ctx context.Context) {
	logger := r.b.logger.With(loggerNameKey, "repo_manager")

	repos, err := r.List(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error listing tracked repos", tint.Err(err))
		return
	}

	for ind := range repos {
		tracked := &repos[ind]
		commits, pullErr := r.pullRepo(ctx, tracked)
		if pullErr != nil {
			logger.ErrorContext(
				ctx,
				"error pulling repo",
				"repo", tracked.Name,
				tint.Err(pullErr),
			)
			continue
		}
		if len(commits) > 0 {
			r.announce(ctx, tracked, commits)
		}
	}
}

// pullRepo fetches new commits for a tracked repository. It returns the
// commits between the previously seen HEAD and the new one, newest
// first.
func (r *RepoManager) pullRepo(ctx context.Context, tracked *TrackedRepo) (
	[]*object.Commit,
	error,
) {
	repo, err := git.PlainOpen(r.clonePath(tracked.Name))
	if err != nil {
		return nil, fmt.Errorf("error opening clone: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("error getting worktree: %w", err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("error pulling: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("error reading HEAD: %w", err)
	}
	newHead := head.Hash().String()
	if newHead == tracked.LastCommit {
		return nil, nil
	}

	var commits []*object.Commit
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	defer iter.Close()

	for {
		commit, iterErr := iter.Next()
		if iterErr != nil {
			break
		}
		if commit.Hash.String() == tracked.LastCommit {
			break
		}
		commits = append(commits, commit)
		if len(commits) >= 10 {
			break
		}
	}

	tracked.LastCommit = newHead
	if _, err = r.b.writeDB.Update(
		ctx, tracked, "last_commit", newHead,
	); err != nil {
		return commits, err
	}
	return commits, nil
}

func (r *RepoManager) announce(
	ctx context.Context,
	tracked *TrackedRepo,
	commits []*object.Commit,
) {
	config := r.b.RuntimeConfig()
	if config.RepoUpdateChannelID == "" {
		return
	}

	var sb strings.Builder
	sb.WriteString(
		fmt.Sprintf("**%s**: %d new commit(s)\n", tracked.Name, len(commits)),
	)
	for _, commit := range commits {
		message := commit.Message
		if idx := strings.IndexByte(message, '\n'); idx >= 0 {
			message = message[:idx]
		}
		sb.WriteString(
			fmt.Sprintf(
				"- `%s` %s (%s)\n",
				commit.Hash.String()[:7],
				message,
				commit.Author.Name,
			),
		)
	}

	if err := r.b.discord.channelMessageSend(
		config.RepoUpdateChannelID,
		truncate(sb.String(), discordMaxMessageLength),
	); err != nil {
		r.b.logger.ErrorContext(ctx, "error announcing repo update", tint.Err(err))
	}
}
