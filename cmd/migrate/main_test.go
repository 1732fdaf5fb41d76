package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSteps(t *testing.T) {
	n, err := parseSteps("-2")
	require.NoError(t, err)
	assert.Equal(t, -2, n)

	_, err = parseSteps("0")
	assert.Error(t, err)
	_, err = parseSteps("two")
	assert.Error(t, err)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"up", "down", "steps", "version", "force"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestStepsRequiresArgument(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"steps"})
	root.SilenceErrors = true
	assert.Error(t, root.Execute())
}
