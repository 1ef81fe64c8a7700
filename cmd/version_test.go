package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/ngongtopro/bot-discord/guildbot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := guildbot.Version
	originalCommitSHA := guildbot.CommitSHA
	originalBuildTime := guildbot.BuildTime

	t.Cleanup(
		func() {
			guildbot.Version = originalVersion
			guildbot.CommitSHA = originalCommitSHA
			guildbot.BuildTime = originalBuildTime
		},
	)

	guildbot.Version = "1.0.0"
	guildbot.CommitSHA = "abc123"
	guildbot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		guildbot.Version,
		guildbot.CommitSHA,
		guildbot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
