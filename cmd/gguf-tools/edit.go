package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/gguf-tools/models/gguf/editor"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func editCommand(app string, cfg *Config) *cobra.Command {
	var (
		sets         []string
		typedSets    []string
		deletes      []string
		renames      []string
		opsFile      string
		backup       = true
		backupSuffix = editor.DefaultBackupSuffix
		timestamped  bool
		force        bool
		dryRun       bool
	)

	c := &cobra.Command{
		Use:   "edit FILE",
		Short: "Set, delete or rename metadata keys of a GGUF file.",
		Long: `Set, delete or rename metadata keys of a GGUF file.

Operations run in order: --set and --set-typed, then --delete, then --rename,
then the operations of the --json file. Untyped values are inferred: true/false
are booleans, integers are INT32 (INT64 or UINT64 when they don't fit), numbers
with a fraction or exponent are FLOAT64, anything else is a string. Setting an
existing key with an untyped value keeps the key's type when the value fits.

Typed values are given as TYPE:VALUE, e.g. u32:64, f32:0.5 or []string:a,b.`,
		Example: fmt.Sprintf(`  # Change the model name
  %s edit model.gguf --set general.name="My Model"

  # Set a typed value and rename a key, previewing the result
  %[1]s edit model.gguf --set-typed general.alignment=u32:64 --rename general.url=general.source.url --dry-run

  # Apply the operations of a JSON file: {"set": {...}, "delete": [...], "rename": {...}}
  %[1]s edit model.gguf --json ops.json`, app),
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			applyEditConfig(c, cfg, &backup, &backupSuffix)

			ops, err := parseEditFlags(sets, typedSets, deletes, renames)
			if err != nil {
				return err
			}
			if opsFile != "" {
				fileOps, err := editor.LoadOperations(opsFile)
				if err != nil {
					return err
				}
				ops = append(ops, fileOps...)
			}
			if len(ops) == 0 {
				return errors.Wrap(editor.ErrInvalidOperation, "no operations given")
			}

			ed := editor.New(args[0]).
				WithBackup(backup).
				WithBackupSuffix(backupSuffix).
				WithTimestampedBackup(timestamped).
				WithForce(force).
				WithDryRun(dryRun).
				WithProgress(func(p editor.Progress) {
					klog.V(1).Infof("%3.0f%% %s", p.Fraction*100, p.Message)
				})
			result, err := ed.Apply(c.Context(), ops...)
			if err != nil {
				return err
			}
			printEditResult(c.OutOrStdout(), result)
			return nil
		},
	}
	c.Flags().StringArrayVar(&sets, "set", sets, "Set KEY=VALUE, inferring the value type. Repeatable.")
	c.Flags().StringArrayVar(&typedSets, "set-typed", typedSets, "Set KEY=TYPE:VALUE. Repeatable.")
	c.Flags().StringArrayVar(&deletes, "delete", deletes, "Delete KEY. Repeatable.")
	c.Flags().StringArrayVar(&renames, "rename", renames, "Rename OLD=NEW. Repeatable.")
	c.Flags().StringVar(&opsFile, "json", opsFile, "JSON file with the operations to apply.")
	c.Flags().BoolVar(&backup, "backup", backup, "Keep a copy of the original file.")
	c.Flags().StringVar(&backupSuffix, "backup-suffix", backupSuffix, "Suffix of the backup file name.")
	c.Flags().BoolVar(&timestamped, "timestamp", timestamped, "Add a UTC timestamp to the backup file name.")
	c.Flags().BoolVar(&force, "force", force, "Overwrite an existing backup.")
	c.Flags().BoolVar(&dryRun, "dry-run", dryRun, "Show what would change without writing anything.")
	return c
}

// parseEditFlags turns the edit flags into operations: sets, then deletes, then renames.
func parseEditFlags(sets, typedSets, deletes, renames []string) ([]editor.Operation, error) {
	var ops []editor.Operation
	for _, s := range sets {
		key, value, err := splitAssignment("--set", s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, editor.SetUntyped(key, editor.ParseValue(value)))
	}
	for _, s := range typedSets {
		key, typed, err := splitAssignment("--set-typed", s)
		if err != nil {
			return nil, err
		}
		typeName, value, found := strings.Cut(typed, ":")
		if !found {
			return nil, errors.Wrapf(editor.ErrInvalidOperation, "--set-typed %q: expected KEY=TYPE:VALUE", s)
		}
		v, err := editor.ParseTypedValue(typeName, value)
		if err != nil {
			return nil, errors.WithMessagef(err, "--set-typed %q", s)
		}
		ops = append(ops, editor.Set(key, v))
	}
	for _, key := range deletes {
		ops = append(ops, editor.Delete(key))
	}
	for _, s := range renames {
		oldKey, newKey, err := splitAssignment("--rename", s)
		if err != nil {
			return nil, err
		}
		ops = append(ops, editor.Rename(oldKey, newKey))
	}
	return ops, nil
}

func splitAssignment(flagName, s string) (string, string, error) {
	key, value, found := strings.Cut(s, "=")
	if !found || key == "" {
		return "", "", errors.Wrapf(editor.ErrInvalidOperation, "%s %q: expected KEY=VALUE", flagName, s)
	}
	return key, value, nil
}

func printEditResult(w io.Writer, result *editor.Result) {
	fprintf(w, "%s: %s\n", result.Path, result.Message)
	for _, key := range result.Changed {
		field, _ := result.GetField(key)
		fprintf(w, "  set     %s = %s\n", key, editor.FormatValue(field.Value))
	}
	for _, key := range result.Deleted {
		fprintf(w, "  delete  %s\n", key)
	}
	for _, r := range result.Renamed {
		fprintf(w, "  rename  %s -> %s\n", r.Old, r.New)
	}
	for _, msg := range result.NoOps {
		fprintf(w, "  no-op   %s\n", msg)
	}
	if result.BackupPath != "" {
		fprintf(w, "backup: %s\n", result.BackupPath)
	}
}
