package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gguf-tools/internal/files"
	"github.com/gomlx/gguf-tools/models/gguf/hasher"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func hashCommand(app string, cfg *Config) *cobra.Command {
	var (
		algorithmNames = []string{string(hasher.SHA256)}
		workers        = runtime.GOMAXPROCS(0)
		bufferSize     = hasher.DefaultBufferSize
		recursive      bool
		jsonOutput     bool
		checksumsFile  string
		showProgress   = true
	)

	c := &cobra.Command{
		Use:   "hash PATH...",
		Short: "Compute digests of GGUF files.",
		Long: fmt.Sprintf(`Compute digests of GGUF files. Directories are searched for *.gguf files.

Algorithms: %s.
gguf-content hashes the tensors only (names, shapes, types and data) and
gguf-metadata the metadata only, both independent of the layout of the file.`, algorithmList()),
		Example: fmt.Sprintf(`  # SHA-256 of a file
  %s hash model.gguf

  # Several digests of every model under a directory, as JSON
  %[1]s hash --algorithms sha256,gguf-content,gguf-metadata --recursive --json models/

  # Write a checksums file for the verify command
  %[1]s hash --checksums SHA256SUMS models/`, app),
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			applyHashConfig(c, cfg, &workers, &algorithmNames, &bufferSize)
			algorithms, err := hasher.ParseAlgorithms(algorithmNames...)
			if err != nil {
				return err
			}

			h := hasher.New().
				WithAlgorithms(algorithms...).
				WithWorkers(workers).
				WithBufferSize(bufferSize).
				WithRecursive(recursive)
			paths, err := expandPaths(h, args)
			if err != nil {
				return err
			}

			var pb *progressbar.ProgressBar
			if showProgress && !jsonOutput {
				pb = progressbar.NewOptions(len(paths),
					progressbar.OptionSetDescription("hashing"),
					progressbar.OptionSetWriter(c.ErrOrStderr()),
					progressbar.OptionSetWidth(30),
					progressbar.OptionThrottle(65*time.Millisecond),
					progressbar.OptionShowCount(),
					progressbar.OptionSetPredictTime(false),
					progressbar.OptionSetRenderBlankState(true))
				h.WithProgress(func(done, _ int, _ *hasher.Result) {
					_ = pb.Set(done)
				})
			}
			results, err := h.HashFiles(c.Context(), paths)
			if pb != nil {
				_ = pb.Clear()
			}
			if err != nil {
				return err
			}

			if checksumsFile != "" {
				if err := writeChecksumsFile(checksumsFile, results, algorithms[0]); err != nil {
					return err
				}
			}
			if jsonOutput {
				err = hasher.WriteJSON(c.OutOrStdout(), results)
			} else {
				err = writeHashTable(c.OutOrStdout(), results, algorithms)
			}
			if err != nil {
				return err
			}
			return batchError(results)
		},
	}
	c.Flags().StringSliceVar(&algorithmNames, "algorithms", algorithmNames, "Comma separated digest algorithms.")
	c.Flags().IntVar(&workers, "workers", workers, "Number of files hashed in parallel.")
	c.Flags().IntVar(&bufferSize, "buffer-size", bufferSize, "Read buffer size in bytes.")
	c.Flags().BoolVar(&recursive, "recursive", recursive, "Search directories recursively.")
	c.Flags().BoolVar(&jsonOutput, "json", jsonOutput, "Print the results as JSON.")
	c.Flags().StringVar(&checksumsFile, "checksums", checksumsFile, "Also write the digests of the first algorithm to this checksums file.")
	c.Flags().BoolVar(&showProgress, "progress", showProgress, "Show a progress bar on stderr.")
	return c
}

func algorithmList() string {
	names := make([]string, len(hasher.Algorithms))
	for i, alg := range hasher.Algorithms {
		names[i] = string(alg)
	}
	return strings.Join(names, ", ")
}

// expandPaths replaces directories by the GGUF files they contain.
func expandPaths(h *hasher.Hasher, args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			// Errors are reported per file by the hasher.
			paths = append(paths, arg)
			continue
		}
		found, err := h.FindFiles(arg)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no GGUF files found in %s", strings.Join(args, ", "))
	}
	return paths, nil
}

func writeChecksumsFile(path string, results []*hasher.Result, alg hasher.Algorithm) error {
	return files.ReplaceAtomic(path, func(f *os.File) error {
		return hasher.WriteChecksums(f, results, alg)
	})
}

func writeHashTable(w io.Writer, results []*hasher.Result, algorithms []hasher.Algorithm) error {
	r := lipgloss.NewRenderer(w)
	header := r.NewStyle().Bold(true).Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)
	failed := r.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("9"))

	headers := []string{"File", "Size"}
	for _, alg := range algorithms {
		headers = append(headers, string(alg))
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
	for _, res := range results {
		row := []string{res.Path, humanize.Bytes(uint64(res.Size))}
		for i, alg := range algorithms {
			switch {
			case res.Err == nil:
				row = append(row, res.Digests[alg])
			case i == 0:
				row = append(row, "error: "+res.Err.Error())
			default:
				row = append(row, "")
			}
		}
		t.Row(row...)
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return header
		case row >= 0 && row < len(results) && results[row].Err != nil:
			return failed
		}
		return cell
	})
	_, err := fmt.Fprintln(w, t.String())
	return errors.Wrap(err, "write results")
}

// batchError returns the first per-file error, annotated with the number of failed files.
func batchError(results []*hasher.Result) error {
	var first error
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			if first == nil {
				first = res.Err
			}
			failed++
		}
	}
	if first == nil {
		return nil
	}
	return errors.WithMessagef(first, "%d of %d files failed", failed, len(results))
}
