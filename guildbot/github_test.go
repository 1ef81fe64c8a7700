package guildbot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepoNameFromURL(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		url      string
		expected string
	}{
		{"https://github.com/foo/bar.git", "bar"},
		{"https://github.com/foo/bar", "bar"},
		{"https://github.com/foo/bar/", "bar"},
		{"git@github.com:foo/baz.git", "baz"},
		{"/tmp/some/local-repo", "local-repo"},
	} {
		name, err := repoNameFromURL(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.expected, name, tc.url)
	}

	for _, url := range []string{
		"",
		"https://github.com/",
		"https://",
		"no slashes here",
	} {
		_, err := repoNameFromURL(url)
		require.Error(t, err, url)

		var validationErr ValidationError
		assert.ErrorAs(t, err, &validationErr, url)
	}
}

func newTestRepoManager(t testing.TB) *RepoManager {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	bot := &GuildBot{
		db:      db,
		writeDB: NewDatabase(db, nil, false),
		logger:  slog.Default(),
	}
	config := &GitHubConfig{CloneDir: filepath.Join(tmpdir, "clones")}
	return newRepoManager(config, bot)
}

// newSourceRepo initializes a git repository on disk with one commit,
// usable as a clone URL.
func newSourceRepo(t testing.TB, name string) (string, *git.Repository) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFile(t, repo, dir, "README.md", "hello", "initial commit")
	return dir, repo
}

func commitFile(
	t testing.TB,
	repo *git.Repository,
	dir string,
	filename string,
	content string,
	message string,
) string {
	t.Helper()
	require.NoError(
		t,
		os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644),
	)
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add(filename)
	require.NoError(t, err)
	hash, err := worktree.Commit(
		message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  "tester",
				Email: "tester@example.com",
				When:  time.Now(),
			},
		},
	)
	require.NoError(t, err)
	return hash.String()
}

func TestRepoManagerAdd(t *testing.T) {
	t.Parallel()
	manager := newTestRepoManager(t)
	ctx := context.Background()

	srcDir, _ := newSourceRepo(t, "widget")

	tracked, err := manager.Add(ctx, srcDir, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "widget", tracked.Name)
	assert.Equal(t, srcDir, tracked.URL)
	assert.Equal(t, "user-1", tracked.AddedByID)
	assert.NotEmpty(t, tracked.LastCommit)

	_, err = os.Stat(manager.clonePath("widget"))
	require.NoError(t, err)

	repos, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "widget", repos[0].Name)

	_, err = manager.Add(ctx, srcDir, "user-2")
	require.Error(t, err)

	var validationErr ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestRepoManagerAddBadURL(t *testing.T) {
	t.Parallel()
	manager := newTestRepoManager(t)
	ctx := context.Background()

	url := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := manager.Add(ctx, url, "user-1")
	require.Error(t, err)

	// failed clones must not leave a record or a partial clone behind
	repos, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)

	_, statErr := os.Stat(manager.clonePath("does-not-exist"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRepoManagerRemove(t *testing.T) {
	t.Parallel()
	manager := newTestRepoManager(t)
	ctx := context.Background()

	srcDir, _ := newSourceRepo(t, "gadget")
	_, err := manager.Add(ctx, srcDir, "user-1")
	require.NoError(t, err)

	require.NoError(t, manager.Remove(ctx, "gadget"))

	repos, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)

	_, statErr := os.Stat(manager.clonePath("gadget"))
	assert.True(t, os.IsNotExist(statErr))

	err = manager.Remove(ctx, "gadget")
	require.Error(t, err)

	var validationErr ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestRepoManagerPullRepo(t *testing.T) {
	t.Parallel()
	manager := newTestRepoManager(t)
	ctx := context.Background()

	srcDir, srcRepo := newSourceRepo(t, "doodad")
	tracked, err := manager.Add(ctx, srcDir, "user-1")
	require.NoError(t, err)
	firstHead := tracked.LastCommit

	// nothing new yet
	commits, err := manager.pullRepo(ctx, tracked)
	require.NoError(t, err)
	assert.Empty(t, commits)
	assert.Equal(t, firstHead, tracked.LastCommit)

	newHash := commitFile(
		t, srcRepo, srcDir, "feature.txt", "shiny", "add feature",
	)

	commits, err = manager.pullRepo(ctx, tracked)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, newHash, commits[0].Hash.String())
	assert.Equal(t, "add feature", commits[0].Message)
	assert.Equal(t, newHash, tracked.LastCommit)

	// the new head should be persisted
	var stored TrackedRepo
	require.NoError(
		t,
		manager.b.db.Where("name = ?", "doodad").First(&stored).Error,
	)
	assert.Equal(t, newHash, stored.LastCommit)
}
