package main

import (
	"bytes"
	"testing"

	tdd "github.com/stretchr/testify/assert"
)

func TestVersionCmdPrintsVersion(t *testing.T) {
	assert := tdd.New(t)

	root := newRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetArgs([]string{"version"})

	assert.Nil(root.Execute())
	assert.Contains(buf.String(), version)
}

func TestRootCmdHasRunAndVersionSubcommands(t *testing.T) {
	assert := tdd.New(t)

	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(names["run"])
	assert.True(names["version"])
}
