package guildbot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const greeterCogSource = `package greeter

import (
	"fmt"

	"github.com/ngongtopro/bot-discord/guildbot"
)

func Setup(api *guildbot.CogAPI) error {
	return api.RegisterCommand(
		"greet",
		"Say hello",
		func(userID string, options map[string]string) (string, error) {
			return fmt.Sprintf("hello <@%s>!", userID), nil
		},
	)
}
`

const brokenSetupCogSource = `package broken

import (
	"errors"

	"github.com/ngongtopro/bot-discord/guildbot"
)

func Setup(api *guildbot.CogAPI) error {
	return errors.New("setup exploded")
}
`

const escapingCogSource = `package sneaky

import (
	"os"

	"github.com/ngongtopro/bot-discord/guildbot"
)

func Setup(api *guildbot.CogAPI) error {
	_ = os.Remove("/etc/passwd")
	return nil
}
`

func newTestCogManager(t testing.TB) (*CogManager, *gorm.DB) {
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

	cfg := &CogConfig{
		Dir:           filepath.Join(tmpdir, "cogs"),
		PendingDir:    filepath.Join(tmpdir, "cogs_pending"),
		MaxSourceSize: DefaultCogMaxSourceSize,
		LoadTimeout:   DefaultCogLoadTimeout,
	}
	m, err := NewCogManager(NewDatabase(db, nil, false), cfg, nil)
	require.NoError(t, err)
	return m, db
}

func TestValidateCogSource(t *testing.T) {
	t.Parallel()

	moduleName, err := validateCogSource([]byte(greeterCogSource))
	require.NoError(t, err)
	assert.Equal(t, "greeter", moduleName)

	var validationErr ValidationError

	_, err = validateCogSource([]byte("this is not go"))
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))

	_, err = validateCogSource([]byte("package main\n\nfunc Setup() {}\n"))
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))

	_, err = validateCogSource([]byte("package nosetup\n\nfunc Helper() {}\n"))
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))
}

func TestCogSubmitStagesForReview(t *testing.T) {
	t.Parallel()
	m, db := newTestCogManager(t)
	ctx := context.Background()

	submitter := &User{ID: "user-1", Username: "alice", GlobalName: "alice"}
	submission, cog, err := m.Submit(
		ctx, []byte(greeterCogSource), submitter, false,
	)
	require.NoError(t, err)
	require.NotNil(t, submission)
	assert.Nil(t, cog)

	assert.NotEmpty(t, submission.ID)
	assert.Equal(t, "greeter", submission.ModuleName)
	assert.Equal(t, "user-1", submission.SubmitterID)

	// the staged source and sidecar are on disk, nothing is live yet
	assert.FileExists(t, m.stagedSourcePath(submission.ID))
	assert.FileExists(t, m.sidecarPath(submission.ID))
	assert.NoFileExists(t, m.liveSourcePath("greeter"))
	assert.Empty(t, m.Registry().Loaded())

	pending := m.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, submission.ID, pending[0].ID)

	var record CogSubmission
	require.NoError(t, db.Where("id = ?", submission.ID).First(&record).Error)
	assert.Equal(t, CogSubmissionStatePending, record.State)
}

func TestCogSubmitPrivilegedLoadsImmediately(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)
	ctx := context.Background()

	owner := &User{ID: "owner-1", Username: "owner", GlobalName: "owner"}
	submission, cog, err := m.Submit(
		ctx, []byte(greeterCogSource), owner, true,
	)
	require.NoError(t, err)
	assert.Nil(t, submission)
	require.NotNil(t, cog)

	assert.Equal(t, "greeter", cog.ModuleName)
	assert.Equal(t, []string{"greet"}, cog.Commands())
	assert.FileExists(t, m.liveSourcePath("greeter"))

	cmd, ok := m.Registry().Command("greet")
	require.True(t, ok)
	reply, err := cmd.Handler("user-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello <@user-2>!", reply)
}

func TestCogSubmitSizeLimit(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)
	m.config.MaxSourceSize = 16

	_, _, err := m.Submit(
		context.Background(),
		[]byte(greeterCogSource),
		&User{ID: "user-1", Username: "alice"},
		false,
	)
	require.Error(t, err)
	var validationErr ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestCogApprove(t *testing.T) {
	t.Parallel()
	m, db := newTestCogManager(t)
	ctx := context.Background()

	var notified []string
	m.notifyUser = func(_ context.Context, userID string, content string) error {
		notified = append(notified, content)
		return nil
	}

	submitter := &User{ID: "user-1", Username: "alice", GlobalName: "alice"}
	submission, _, err := m.Submit(
		ctx, []byte(greeterCogSource), submitter, false,
	)
	require.NoError(t, err)

	cog, err := m.Approve(ctx, submission.ID)
	require.NoError(t, err)
	require.NotNil(t, cog)
	assert.Equal(t, "greeter", cog.ModuleName)
	assert.Equal(t, "user-1", cog.SubmitterID)

	// staged artifacts are gone, the live source remains
	assert.NoFileExists(t, m.stagedSourcePath(submission.ID))
	assert.NoFileExists(t, m.sidecarPath(submission.ID))
	assert.FileExists(t, m.liveSourcePath("greeter"))
	assert.Empty(t, m.ListPending())

	_, ok := m.Registry().Command("greet")
	assert.True(t, ok)

	var record CogSubmission
	require.NoError(t, db.Where("id = ?", submission.ID).First(&record).Error)
	assert.Equal(t, CogSubmissionStateApproved, record.State)

	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], "approved")

	// approving the same submission twice fails cleanly
	_, err = m.Approve(ctx, submission.ID)
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestCogApproveRollbackOnLoadFailure(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)
	ctx := context.Background()

	submitter := &User{ID: "user-1", Username: "alice", GlobalName: "alice"}
	submission, _, err := m.Submit(
		ctx, []byte(brokenSetupCogSource), submitter, false,
	)
	require.NoError(t, err)

	_, err = m.Approve(ctx, submission.ID)
	require.Error(t, err)
	var loadErr LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "broken", loadErr.ModuleName)

	// the staged file and sidecar are back, the submission is still
	// pending, and nothing went live
	assert.FileExists(t, m.stagedSourcePath(submission.ID))
	assert.FileExists(t, m.sidecarPath(submission.ID))
	assert.NoFileExists(t, m.liveSourcePath("broken"))
	require.Len(t, m.ListPending(), 1)
	assert.Empty(t, m.Registry().Loaded())

	// the submission can still be rejected after a failed approval
	require.NoError(t, m.Reject(ctx, submission.ID, "does not load"))
	assert.Empty(t, m.ListPending())
}

func TestCogReject(t *testing.T) {
	t.Parallel()
	m, db := newTestCogManager(t)
	ctx := context.Background()

	var notified []string
	m.notifyUser = func(_ context.Context, userID string, content string) error {
		notified = append(notified, content)
		return nil
	}

	submitter := &User{ID: "user-1", Username: "alice", GlobalName: "alice"}
	submission, _, err := m.Submit(
		ctx, []byte(greeterCogSource), submitter, false,
	)
	require.NoError(t, err)

	require.NoError(t, m.Reject(ctx, submission.ID, "not a fan"))

	// rejection is final: the staged source is deleted and the
	// submission can no longer be approved
	assert.NoFileExists(t, m.stagedSourcePath(submission.ID))
	assert.NoFileExists(t, m.sidecarPath(submission.ID))
	assert.Empty(t, m.ListPending())

	_, err = m.Approve(ctx, submission.ID)
	assert.ErrorIs(t, err, ErrSubmissionNotFound)

	var record CogSubmission
	require.NoError(t, db.Where("id = ?", submission.ID).First(&record).Error)
	assert.Equal(t, CogSubmissionStateRejected, record.State)
	assert.Equal(t, "not a fan", string(record.Error))

	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], "rejected")
	assert.Contains(t, notified[0], "not a fan")
}

func TestCogSandboxBlocksFilesystemAccess(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)

	owner := &User{ID: "owner-1", Username: "owner", GlobalName: "owner"}
	_, _, err := m.Submit(
		context.Background(), []byte(escapingCogSource), owner, true,
	)
	require.Error(t, err)
	var loadErr LoadError
	assert.True(t, errors.As(err, &loadErr))
	assert.Empty(t, m.Registry().Loaded())
}

func TestCogUnload(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)
	ctx := context.Background()

	owner := &User{ID: "owner-1", Username: "owner", GlobalName: "owner"}
	_, cog, err := m.Submit(ctx, []byte(greeterCogSource), owner, true)
	require.NoError(t, err)
	require.NotNil(t, cog)

	require.NoError(t, m.Unload(ctx, "greeter"))

	_, ok := m.Registry().Get("greeter")
	assert.False(t, ok)
	_, ok = m.Registry().Command("greet")
	assert.False(t, ok)

	assert.ErrorIs(t, m.Unload(ctx, "greeter"), ErrCogNotLoaded)
}

func TestCogResubmitReplacesLoaded(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)
	ctx := context.Background()

	owner := &User{ID: "owner-1", Username: "owner", GlobalName: "owner"}
	_, _, err := m.Submit(ctx, []byte(greeterCogSource), owner, true)
	require.NoError(t, err)

	updated := `package greeter

import (
	"github.com/ngongtopro/bot-discord/guildbot"
)

func Setup(api *guildbot.CogAPI) error {
	return api.RegisterCommand(
		"greet",
		"Say hello",
		func(userID string, options map[string]string) (string, error) {
			return "howdy!", nil
		},
	)
}
`
	_, cog, err := m.Submit(ctx, []byte(updated), owner, true)
	require.NoError(t, err)
	require.NotNil(t, cog)
	assert.True(t, cog.Replaced)

	cmd, ok := m.Registry().Command("greet")
	require.True(t, ok)
	reply, err := cmd.Handler("user-2", nil)
	require.NoError(t, err)
	assert.Equal(t, "howdy!", reply)
	assert.Len(t, m.Registry().Loaded(), 1)
}

func TestCogPendingSurvivesRestart(t *testing.T) {
	t.Parallel()
	m, db := newTestCogManager(t)
	ctx := context.Background()

	submitter := &User{ID: "user-1", Username: "alice", GlobalName: "alice"}
	submission, _, err := m.Submit(
		ctx, []byte(greeterCogSource), submitter, false,
	)
	require.NoError(t, err)

	// a fresh manager over the same directories rebuilds the pending
	// set from the sidecars
	m2, err := NewCogManager(NewDatabase(db, nil, false), m.config, nil)
	require.NoError(t, err)

	pending := m2.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, submission.ID, pending[0].ID)
	assert.Equal(t, "greeter", pending[0].ModuleName)

	cog, err := m2.Approve(ctx, submission.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeter", cog.ModuleName)
}

func TestCogLoadAll(t *testing.T) {
	t.Parallel()
	m, _ := newTestCogManager(t)
	ctx := context.Background()

	require.NoError(
		t,
		os.WriteFile(
			m.liveSourcePath("greeter"), []byte(greeterCogSource), 0644,
		),
	)
	// a broken cog in the live directory must not prevent other cogs
	// from loading
	require.NoError(
		t,
		os.WriteFile(
			m.liveSourcePath("broken"), []byte(brokenSetupCogSource), 0644,
		),
	)

	m.LoadAll(ctx)

	loaded := m.Registry().Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, "greeter", loaded[0].ModuleName)
}
