// gguf-tools inspects, edits and hashes GGUF model files.
//
// Usage:
//
//	gguf-tools inspect model.gguf
//	gguf-tools edit model.gguf --set general.name="My Model" --delete general.url
//	gguf-tools hash --algorithms sha256,gguf-content models/
//	gguf-tools verify model.gguf --expected sha256:<hex>
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/gomlx/gguf-tools/models/gguf/editor"
	"github.com/gomlx/gguf-tools/models/gguf/hasher"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(filepath.Base(os.Args[0])).ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		fprintf(os.Stderr, "%s\n", formatError(err))
		os.Exit(1)
	}
}

func newRootCommand(app string) *cobra.Command {
	var configFile string
	cfg := &Config{}

	root := &cobra.Command{
		Use:   app,
		Short: "Inspect, edit and hash GGUF model files.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: fmt.Sprintf(`  # Show file information, metadata and tensors
  %s inspect model.gguf

  # Change the model name and drop a key, keeping a backup
  %[1]s edit model.gguf --set general.name="My Model" --delete general.url

  # Hash every GGUF file of a directory
  %[1]s hash --algorithms sha256,gguf-content --recursive models/

  # Verify files against a checksums file
  %[1]s verify -c SHA256SUMS`, app),
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			loaded, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			*cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", defaultConfigPath(), "Configuration file.")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	for _, create := range []func(string, *Config) *cobra.Command{
		inspectCommand, editCommand, hashCommand, verifyCommand,
	} {
		root.AddCommand(create(app, cfg))
	}
	return root
}

// errorKinds names the errors of the editor and hasher packages; the errors of
// package gguf are named by gguf.Kind.
var errorKinds = []struct {
	err  error
	name string
}{
	{editor.ErrInvalidOperation, "InvalidOperation"},
	{hasher.ErrUnknownAlgorithm, "UnknownAlgorithm"},
	{hasher.ErrMismatch, "DigestMismatch"},
}

func errorKind(err error) string {
	if kind := gguf.Kind(err); kind != "" {
		return kind
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// formatError renders err as "error [<Kind>]: <message>", or "error: <message>"
// when the kind is unknown.
func formatError(err error) string {
	if kind := errorKind(err); kind != "" {
		return fmt.Sprintf("error [%s]: %v", kind, err)
	}
	return fmt.Sprintf("error: %v", err)
}

func fprintf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}
