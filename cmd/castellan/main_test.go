package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"castellan", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "Usage: castellan")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"castellan", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command")
}

func TestRun_Demo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"castellan", "demo"}, &stdout, &stderr)
	assert.Equal(t, 0, code, "stderr: %s", stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "request fully approved")
	assert.Contains(t, out, "post-action report filed")
	assert.True(t, strings.Contains(out, "0 broken"), "chain must verify clean: %s", out)
}
