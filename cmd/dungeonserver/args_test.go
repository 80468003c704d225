package main

import (
	"bytes"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want options
	}{
		{name: "none", args: nil, want: options{}},
		{name: "bot only", args: []string{"-b"}, want: options{bot: true}},
		{name: "map only", args: []string{"cellar"}, want: options{mapID: "cellar"}},
		{name: "bot and map", args: []string{"-b", "cellar"}, want: options{bot: true, mapID: "cellar"}},
		{name: "config", args: []string{"-config", "configs/dev.yaml", "-b"}, want: options{configPath: "configs/dev.yaml", bot: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stderr bytes.Buffer
			got, err := parseArgs(tc.args, &stderr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Empty(t, stderr.String())
		})
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"cellar", "-b"},
		{"-b", "cellar", "extra"},
		{"-x"},
		{"-config"},
	} {
		var stderr bytes.Buffer
		_, err := parseArgs(args, &stderr)
		assert.ErrorIs(t, err, errUsage, "%q", args)
		assert.Contains(t, stderr.String(), "Usage: dungeonserver")
	}
}

func TestParseArgs_Help(t *testing.T) {
	var stderr bytes.Buffer
	_, err := parseArgs([]string{"-h"}, &stderr)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "Usage: dungeonserver")
}
