package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gguf-tools/internal/files"
	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/gomlx/gguf-tools/models/gguf/editor"
	"github.com/gomlx/gguf-tools/models/gguf/hasher"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "model.gguf")
	w := gguf.NewWriter("llama")
	require.NoError(t, w.AddString(gguf.KeyGeneralName, "test"))
	require.NoError(t, w.AddUint32("llama.block_count", 2))
	require.NoError(t, w.AddTensor("w", []uint64{2, 3}, gguf.TensorTypeF32))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	weights, err := w.WriteHeaders(f)
	require.NoError(t, err)
	require.NoError(t, weights.WriteTensorData(make([]byte, 24)))
	require.NoError(t, w.Close())
	return path
}

// run executes the command line with the given config file contents and returns its output.
func run(t *testing.T, config string, args ...string) (string, error) {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if config != "" {
		require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))
	}
	root := newRootCommand("gguf-tools")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFormatError(t *testing.T) {
	err := errors.WithMessage(errors.Wrapf(gguf.ErrBadMagic, "got %q", "GGML"), "parse model.gguf")
	assert.Equal(t, `error [BadMagic]: parse model.gguf: got "GGML": gguf: invalid magic`, formatError(err))
	assert.Equal(t, "error [InvalidOperation]: k: editor: invalid operation",
		formatError(errors.Wrap(editor.ErrInvalidOperation, "k")))
	assert.Equal(t, "error [DigestMismatch]: hasher: digest mismatch", formatError(hasher.ErrMismatch))
	assert.Equal(t, "error: boom", formatError(errors.New("boom")))
}

func TestParseEditFlags(t *testing.T) {
	ops, err := parseEditFlags(
		[]string{"general.name=My=Model", "n=3"},
		[]string{"general.alignment=u32:64"},
		[]string{"general.url"},
		[]string{"a=b"},
	)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	assert.Equal(t, "My=Model", ops[0].Value.String())
	assert.Equal(t, gguf.TypeInt32, ops[1].Value.Type())
	assert.False(t, ops[1].Typed)
	assert.Equal(t, gguf.TypeUint32, ops[2].Value.Type())
	assert.True(t, ops[2].Typed)
	assert.Equal(t, editor.Delete("general.url"), ops[3])
	assert.Equal(t, editor.Rename("a", "b"), ops[4])

	for _, bad := range [][]string{{"novalue"}, {"=x"}} {
		_, err = parseEditFlags(bad, nil, nil, nil)
		assert.ErrorIs(t, err, editor.ErrInvalidOperation)
	}
	_, err = parseEditFlags(nil, []string{"k=64"}, nil, nil)
	assert.ErrorIs(t, err, editor.ErrInvalidOperation)
	_, err = parseEditFlags(nil, []string{"k=u8:300"}, nil, nil)
	assert.ErrorIs(t, err, editor.ErrInvalidOperation)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)

	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 3\nalgorithms: [md5, sha1]\nbackup: false\nbackup_suffix: .orig\n"), 0o644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Workers)
	assert.Equal(t, 3, *cfg.Workers)
	assert.Equal(t, []string{"md5", "sha1"}, cfg.Algorithms)
	require.NotNil(t, cfg.Backup)
	assert.False(t, *cfg.Backup)
	assert.Equal(t, ".orig", cfg.BackupSuffix)
	assert.Nil(t, cfg.BufferSize)

	require.NoError(t, os.WriteFile(path, []byte("workers: [oops"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestEditAndInspect(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir)

	out, err := run(t, "", "edit", path,
		"--set", "general.name=New Name",
		"--set-typed", "llama.block_count=u32:4",
		"--delete", "general.url")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 2 changes")
	assert.Contains(t, out, `general.name = "New Name"`)
	assert.Contains(t, out, "delete general.url: key not found")
	assert.True(t, files.Exists(path+editor.DefaultBackupSuffix))

	out, err = run(t, "", "inspect", path, "--json", "--no-file-info")
	require.NoError(t, err)
	assert.Contains(t, out, `"New Name"`)
	assert.Contains(t, out, `"UINT32"`)

	out, err = run(t, "", "inspect", path, "--validate", "--filter", "general.")
	require.NoError(t, err)
	assert.Contains(t, out, "general.name")
	assert.NotContains(t, out, "llama.block_count")

	_, err = run(t, "", "edit", path, "--set", "general.name=Other")
	assert.ErrorIs(t, err, gguf.ErrBackupExists)
	assert.Equal(t, "BackupAlreadyExists", errorKind(err))

	_, err = run(t, "", "edit", path)
	assert.ErrorIs(t, err, editor.ErrInvalidOperation)
}

func TestEditConfigDefaults(t *testing.T) {
	path := writeModel(t, t.TempDir())
	_, err := run(t, "backup: false\n", "edit", path, "--set", "general.name=x")
	require.NoError(t, err)
	assert.False(t, files.Exists(path+editor.DefaultBackupSuffix), "config disables the backup")

	_, err = run(t, "backup: false\nbackup_suffix: .orig\n", "edit", path, "--set", "general.name=y", "--backup")
	require.NoError(t, err)
	assert.True(t, files.Exists(path+".orig"), "explicit flag wins over the config")
}

func TestHashAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir)
	sums := filepath.Join(t.TempDir(), "SHA256SUMS")

	out, err := run(t, "", "hash", "--progress=false", "--checksums", sums, dir)
	require.NoError(t, err)
	want, err := hasher.New().HashFile(path)
	require.NoError(t, err)
	digest := want.Digests[hasher.SHA256]
	assert.Contains(t, out, digest)

	contents, err := os.ReadFile(sums)
	require.NoError(t, err)
	assert.Equal(t, digest+"  "+path+"\n", string(contents))

	out, err = run(t, "", "verify", "-c", sums)
	require.NoError(t, err)
	assert.Equal(t, path+": OK\n", out)

	out, err = run(t, "", "verify", path, "--expected", "sha256:"+digest)
	require.NoError(t, err)
	assert.Equal(t, path+": OK\n", out)

	_, err = run(t, "", "verify", path, "--expected", strings.Repeat("0", 64))
	assert.ErrorIs(t, err, hasher.ErrMismatch)

	_, err = run(t, "", "hash", "--progress=false", "--algorithms", "crc32", path)
	assert.ErrorIs(t, err, hasher.ErrUnknownAlgorithm)

	_, err = run(t, "", "hash", "--progress=false", filepath.Join(dir, "missing.gguf"))
	assert.ErrorIs(t, err, gguf.ErrFileNotFound)
}
