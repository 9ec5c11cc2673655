package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omnicloud/beaconcheck/internal/dsl"
)

// NewValidateCmd creates a new validate command
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [files, directories or globs...]",
		Short: "Validate beacon suite files against the JSON schema",
		Long: `Validate one or more beacon suite files against the JSON schema and the
suite rules (version, endpoints, expectations and steps) without launching a browser.

Examples:
  beaconcheck validate storefront.yaml      # Validate a single file
  beaconcheck validate ./suites/            # Validate all YAML files in a directory
  beaconcheck validate 'suites/**/*.yaml'   # Validate everything a glob matches`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("please specify at least one file, directory or glob to validate")
			}
			return runValidate(cmd, args)
		},
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := expandPaths(args)
	if err != nil {
		return err
	}

	Logger.Info("validating files", "count", len(files))

	invalid := 0
	for _, file := range files {
		if err := validateFile(file); err != nil {
			Logger.Error("validation failed", "file", file, "error", err)
			invalid++
			continue
		}
		Logger.Info("validation passed", "file", file)
	}

	Logger.Info("validation complete", "valid", len(files)-invalid, "invalid", invalid, "total", len(files))
	if invalid > 0 {
		return fmt.Errorf("validation failed for %d file(s)", invalid)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✅ All %d file(s) passed validation\n", len(files))
	return nil
}

func validateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	suite, err := dsl.ValidateYAML(data)
	if err != nil {
		return err
	}

	Logger.Debug("file details", "name", suite.Name, "tests", len(suite.Tests), "description", suite.Description)
	return nil
}
