package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendril-app/tendril/internal/workflow"
)

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	require.True(t, names["daemon"])
	require.True(t, names["templates:list"])
	require.True(t, names["config:init"])
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3 (commit: abc, built: today)")
	require.Equal(t, "1.2.3 (commit: abc, built: today)", rootCmd.Version)
}

func TestLoadTemplates_MergesBuiltinAndUser(t *testing.T) {
	dir := t.TempDir()
	userTemplate := `name: Retainer Renewal
description: Renewal pipeline for an existing client retainer.
tasks:
  - agent: pricing
  - agent: response-draft
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "retainer-renewal.yaml"), []byte(userTemplate), 0o600))

	templates, err := loadTemplates(dir)
	require.NoError(t, err)

	byID := make(map[string]workflow.Template)
	for _, tpl := range templates {
		byID[tpl.ID] = tpl
	}
	require.Contains(t, byID, "tender-review")
	require.Contains(t, byID, "quick-quote")
	require.Contains(t, byID, "retainer-renewal")
	require.Equal(t, workflow.SourceUser, byID["retainer-renewal"].Source)
}

func TestLoadTemplates_UserShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := `name: Tender Review (custom)
description: Shortened review pipeline.
tasks:
  - agent: requirement-extraction
  - agent: response-draft
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tender-review.yaml"), []byte(override), 0o600))

	templates, err := loadTemplates(dir)
	require.NoError(t, err)

	var match []workflow.Template
	for _, tpl := range templates {
		if tpl.ID == "tender-review" {
			match = append(match, tpl)
		}
	}
	require.Len(t, match, 1, "a user template replaces the builtin with the same id")
	require.Equal(t, workflow.SourceUser, match[0].Source)
	require.Equal(t, "Tender Review (custom)", match[0].Name)
}

func TestLoadTemplates_MissingUserDir(t *testing.T) {
	templates, err := loadTemplates(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.NotEmpty(t, templates, "builtins still load without a user directory")
}

func TestTemplatesListCommand_PrintsJSON(t *testing.T) {
	old := cfg.Templates.UserDir
	cfg.Templates.UserDir = t.TempDir()
	defer func() { cfg.Templates.UserDir = old }()

	// The command writes to os.Stdout via the JSON encoder; capture it.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	origStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = origStdout }()

	require.NoError(t, templatesListCmd.RunE(templatesListCmd, nil))
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)

	var listings []templateListing
	require.NoError(t, json.Unmarshal(buf.Bytes(), &listings))
	require.NotEmpty(t, listings)
	for _, l := range listings {
		require.NotEmpty(t, l.ID)
		require.Equal(t, "built-in", l.Source)
		require.Greater(t, l.Tasks, 0)
	}
}

func TestConfigInitCommand_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	oldCfgFile, oldForce := cfgFile, configInitForce
	cfgFile = path
	configInitForce = false
	defer func() { cfgFile, configInitForce = oldCfgFile, oldForce }()

	var out bytes.Buffer
	configInitCmd.SetOut(&out)

	require.NoError(t, configInitCmd.RunE(configInitCmd, nil))
	require.FileExists(t, path)

	err := configInitCmd.RunE(configInitCmd, nil)
	require.ErrorContains(t, err, "already exists")

	configInitForce = true
	require.NoError(t, configInitCmd.RunE(configInitCmd, nil))
}
