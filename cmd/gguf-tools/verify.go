package main

import (
	"fmt"
	"os"

	"github.com/gomlx/gguf-tools/models/gguf/hasher"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func verifyCommand(app string, cfg *Config) *cobra.Command {
	var (
		algorithm     = string(hasher.SHA256)
		expected      string
		checksumsFile string
		bufferSize    = hasher.DefaultBufferSize
	)

	c := &cobra.Command{
		Use:   "verify [FILE]",
		Short: "Check GGUF files against expected digests.",
		Example: fmt.Sprintf(`  # Check one file
  %s verify model.gguf --expected sha256:0123...

  # Check the content digest, which ignores metadata edits
  %[1]s verify model.gguf --algorithm gguf-content --expected 0123...

  # Check every file listed in a checksums file
  %[1]s verify -c SHA256SUMS`, app),
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if cfg.BufferSize != nil && !c.Flags().Changed("buffer-size") {
				bufferSize = *cfg.BufferSize
			}
			algs, err := hasher.ParseAlgorithms(algorithm)
			if err != nil {
				return err
			}
			if len(algs) != 1 {
				return errors.Errorf("verify takes a single algorithm, got %q", algorithm)
			}
			h := hasher.New().WithBufferSize(bufferSize)

			switch {
			case checksumsFile != "":
				if len(args) != 0 || expected != "" {
					return errors.New("--checksums can't be combined with a FILE or --expected")
				}
				return verifyChecksums(c, h, algs[0], checksumsFile)
			case len(args) == 1 && expected != "":
				if _, err := h.Verify(args[0], algs[0], expected); err != nil {
					return err
				}
				fprintf(c.OutOrStdout(), "%s: OK\n", args[0])
				return nil
			default:
				return errors.New("either FILE with --expected or --checksums is required")
			}
		},
	}
	c.Flags().StringVar(&algorithm, "algorithm", algorithm, "Digest algorithm.")
	c.Flags().StringVar(&expected, "expected", expected, "Expected digest, as hex or <algorithm>:<hex>.")
	c.Flags().StringVarP(&checksumsFile, "checksums", "c", checksumsFile, "Checksums file with \"<digest>  <path>\" lines.")
	c.Flags().IntVar(&bufferSize, "buffer-size", bufferSize, "Read buffer size in bytes.")
	return c
}

// verifyChecksums checks every file of a checksums file and reports each as OK
// or FAILED. It fails if any file doesn't match or can't be hashed.
func verifyChecksums(c *cobra.Command, h *hasher.Hasher, alg hasher.Algorithm, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open checksums file")
	}
	defer f.Close()
	sums, err := hasher.ReadChecksums(f)
	if err != nil {
		return errors.WithMessagef(err, "%s", path)
	}

	var first error
	failed := 0
	for _, sum := range sums {
		if err := c.Context().Err(); err != nil {
			return err
		}
		if _, err := h.Verify(sum.Path, alg, sum.Digest); err != nil {
			fprintf(c.OutOrStdout(), "%s: FAILED (%v)\n", sum.Path, err)
			if first == nil {
				first = err
			}
			failed++
			continue
		}
		fprintf(c.OutOrStdout(), "%s: OK\n", sum.Path)
	}
	if first != nil {
		return errors.WithMessagef(first, "%d of %d files failed verification", failed, len(sums))
	}
	return nil
}
