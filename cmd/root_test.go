package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "extract-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	expected := map[string]bool{
		"extract": false,
		"fetch":   false,
		"batch":   false,
		"runs":    false,
		"export":  false,
		"serve":   false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "missing subcommand %q", name)
	}
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	expected := map[string]bool{
		"list":  false,
		"show":  false,
		"stats": false,
	}
	for _, c := range runsCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "missing runs subcommand %q", name)
	}
}

func TestExtractCommand_Flags(t *testing.T) {
	for _, name := range []string{"paper", "drug", "nct", "trial", "indication", "output", "notion", "progress"} {
		assert.NotNil(t, extractCmd.Flags().Lookup(name), "missing flag --%s", name)
	}

	// Paper and drug are mandatory; everything else can come from the paper
	// or the registry.
	for _, name := range []string{"paper", "drug"} {
		f := extractCmd.Flags().Lookup(name)
		require.NotNil(t, f)
		assert.Contains(t, f.Annotations[cobra.BashCompOneRequiredFlag], "true", "--%s should be required", name)
	}
}

func TestBatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"worklist", "papers-dir", "output-dir", "limit", "fetch", "retry-failed"} {
		assert.NotNil(t, batchCmd.Flags().Lookup(name), "missing flag --%s", name)
	}

	assert.Equal(t, "0", batchCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "papers", batchCmd.Flags().Lookup("papers-dir").DefValue)
	assert.Equal(t, "false", batchCmd.Flags().Lookup("fetch").DefValue)
}

func TestFetchCommand_Flags(t *testing.T) {
	for _, name := range []string{"pmcid", "nct", "output"} {
		assert.NotNil(t, fetchCmd.Flags().Lookup(name), "missing flag --%s", name)
	}
}

func TestRunsListCommand_Flags(t *testing.T) {
	for _, name := range []string{"status", "nct", "drug", "limit"} {
		assert.NotNil(t, runsListCmd.Flags().Lookup(name), "missing flag --%s", name)
	}

	assert.Equal(t, "50", runsListCmd.Flags().Lookup("limit").DefValue)
}

func TestRunsStatsCommand_Flags(t *testing.T) {
	f := runsStatsCmd.Flags().Lookup("since")
	require.NotNil(t, f)
	assert.Equal(t, "24h0m0s", f.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	f := serveCmd.Flags().Lookup("port")
	require.NotNil(t, f)
	assert.Equal(t, "0", f.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	for _, name := range []string{"output", "notion"} {
		assert.NotNil(t, exportCmd.Flags().Lookup(name), "missing flag --%s", name)
	}

	require.NotNil(t, exportCmd.Args)
	assert.NoError(t, exportCmd.Args(exportCmd, []string{"run-1"}))
	assert.Error(t, exportCmd.Args(exportCmd, []string{}))
}
