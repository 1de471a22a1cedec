package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobtally/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a jobtally.yaml containing every setting at its default value.

Examples:
  jobtally init
  jobtally init --path /etc/jobtally/jobtally.yaml --force`,
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE:        runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("path", "jobtally.yaml", "Where to write the config file")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")
	if path == "" {
		return exitError(ExitUsage, "init", errors.New("--path is required"))
	}

	if _, err := os.Stat(path); err == nil && !force {
		return exitError(ExitUsage, "init", fmt.Errorf("%s already exists (use --force to overwrite)", path))
	}

	raw, err := defaultConfigYAML()
	if err != nil {
		return exitError(ExitFailure, "render defaults", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return exitError(ExitFailure, "create config dir", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return exitError(ExitFailure, "write config", err)
	}
	if err := config.ValidateFile(path); err != nil {
		_ = os.Remove(path)
		return exitError(ExitConfigInvalid, "validate config", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func defaultConfigYAML() ([]byte, error) {
	v := viper.New()
	config.SetDefaults(v)

	var buf bytes.Buffer
	buf.WriteString("# jobtally configuration\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v.AllSettings()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
