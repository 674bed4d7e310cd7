package main

import (
	"fmt"

	"github.com/gomlx/gguf-tools/models/gguf/inspector"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func inspectCommand(app string, cfg *Config) *cobra.Command {
	var (
		filter          string
		verbose         bool
		maxStringLength = inspector.DefaultMaxStringLength
		noMetadata      bool
		noTensors       bool
		noFileInfo      bool
		validate        bool
		jsonOutput      bool
	)

	c := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show the file information, metadata and tensors of a GGUF file.",
		Example: fmt.Sprintf(`  # Inspect a model
  %s inspect model.gguf

  # Only the tokenizer keys, untruncated
  %[1]s inspect model.gguf --filter tokenizer. --verbose --no-tensors

  # Validate the layout and print JSON
  %[1]s inspect model.gguf --validate --json`, app),
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			applyInspectConfig(c, cfg, &maxStringLength)

			in := inspector.New(args[0]).
				WithFilter(filter).
				WithVerbose(verbose).
				WithMaxStringLength(maxStringLength).
				WithValidation(validate)
			if noMetadata {
				in.WithoutMetadata()
			}
			if noTensors {
				in.WithoutTensors()
			}
			if noFileInfo {
				in.WithoutFileInfo()
			}

			report, err := in.Inspect(c.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				err = report.WriteJSON(c.OutOrStdout())
			} else {
				err = report.WriteText(c.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if report.Validation != nil && !report.Validation.Valid {
				return errors.Errorf("%s: validation failed with %d errors", args[0], len(report.Validation.Errors()))
			}
			return nil
		},
	}
	c.Flags().StringVar(&filter, "filter", filter, "Only show metadata keys and tensor names containing this string.")
	c.Flags().BoolVar(&verbose, "verbose", verbose, "Show strings and arrays in full.")
	c.Flags().IntVar(&maxStringLength, "max-string", maxStringLength, "Display width strings are truncated to.")
	c.Flags().BoolVar(&noMetadata, "no-metadata", noMetadata, "Leave the metadata out.")
	c.Flags().BoolVar(&noTensors, "no-tensors", noTensors, "Leave the tensor table out.")
	c.Flags().BoolVar(&noFileInfo, "no-file-info", noFileInfo, "Leave the file information and its SHA-256 out.")
	c.Flags().BoolVar(&validate, "validate", validate, "Check required keys and the placement of tensor data.")
	c.Flags().BoolVar(&jsonOutput, "json", jsonOutput, "Print the report as JSON.")
	return c
}
