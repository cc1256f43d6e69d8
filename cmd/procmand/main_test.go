package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/nef/procman/internal/config"
)

func TestValidateCommandAcceptsWellFormedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "procman.toml")
	contents := "store.dsn = \"sqlite:///" + filepath.Join(dir, "state.db") + "\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var configPath string
	cmd := &cobra.Command{
		Use: "validate",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath)
			return err
		},
	}
	configPath = path

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("expected valid config to pass validation, got: %v", err)
	}
}

func TestValidateCommandRejectsMissingConfig(t *testing.T) {
	var configPath = filepath.Join(t.TempDir(), "missing.toml")
	cmd := &cobra.Command{
		Use: "validate",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(configPath)
			return err
		},
	}

	if err := cmd.RunE(cmd, nil); err == nil {
		t.Fatal("expected missing config file to fail validation")
	}
}
