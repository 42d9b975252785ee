package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/faizalmuzakki/guildkeeper/guildkeeper"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := guildkeeper.Version
	originalCommitSHA := guildkeeper.CommitSHA
	originalBuildTime := guildkeeper.BuildTime

	t.Cleanup(
		func() {
			guildkeeper.Version = originalVersion
			guildkeeper.CommitSHA = originalCommitSHA
			guildkeeper.BuildTime = originalBuildTime
		},
	)

	guildkeeper.Version = "1.0.0"
	guildkeeper.CommitSHA = "abc123"
	guildkeeper.BuildTime = "2026-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		guildkeeper.Version,
		guildkeeper.CommitSHA,
		guildkeeper.BuildTime,
	)
	assert.Equal(t, expected, output)
}
