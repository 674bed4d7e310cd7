package editor

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	payloadA = []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
		13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24,
	}
	payloadB = []byte{0xF0, 0xF1, 0xF2, 0xF3}
)

// writeModel creates a small GGUF file with 4 fields and 2 tensors.
func writeModel(t *testing.T, dir string, order binary.ByteOrder) string {
	t.Helper()
	path := filepath.Join(dir, "model.gguf")
	w := gguf.NewWriter("llama", gguf.WithByteOrder(order))
	require.NoError(t, w.AddString(gguf.KeyGeneralName, "test"))
	require.NoError(t, w.AddUint32("llama.block_count", 2))
	require.NoError(t, w.AddField("tokenizer.ggml.tokens", gguf.ArrayOf([]string{"<s>", "</s>"})))
	require.NoError(t, w.AddTensor("a", []uint64{2, 3}, gguf.TensorTypeF32))
	require.NoError(t, w.AddTensor("b", []uint64{4}, gguf.TensorTypeI8))

	empty, err := w.Create(path)
	require.NoError(t, err)
	header, err := empty.WriteHeader()
	require.NoError(t, err)
	kv, err := header.WriteKVData()
	require.NoError(t, err)
	ti, err := kv.WriteTensorInfo()
	require.NoError(t, err)
	weights, err := ti.WritePadding()
	require.NoError(t, err)
	require.NoError(t, weights.WriteTensorData(payloadA))
	require.NoError(t, weights.WriteTensorData(payloadB))
	require.NoError(t, w.Close())
	return path
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	return names
}

func fieldKeys(fields []gguf.Field) []string {
	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	return keys
}

// requireTensorsIntact checks the tensors of path match the ones written by writeModel.
func requireTensorsIntact(t *testing.T, path string) {
	t.Helper()
	reader, err := gguf.OpenMMap(path)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, []string{"a", "b"}, reader.File().ListTensorNames())

	raw, info, err := reader.ReadTensorRaw("a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3}, info.Shape)
	assert.Equal(t, gguf.TensorTypeF32, info.Type)
	assert.Equal(t, payloadA, raw)

	raw, info, err = reader.ReadTensorRaw("b")
	require.NoError(t, err)
	assert.Equal(t, gguf.TensorTypeI8, info.Type)
	assert.Equal(t, payloadB, raw)
}

func TestApply(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.LittleEndian)

	result, err := New(path).Apply(context.Background(),
		Set(gguf.KeyGeneralName, gguf.ValueOf("renamed")),
		Set("general.license", gguf.ValueOf("mit")),
		Delete("tokenizer.ggml.tokens"),
		Rename("llama.block_count", "llama.layers"),
	)
	require.NoError(t, err)
	assert.True(t, result.HasChanges())
	assert.Equal(t, []string{gguf.KeyGeneralName, "general.license"}, result.Changed)
	assert.Equal(t, []string{"tokenizer.ggml.tokens"}, result.Deleted)
	assert.Equal(t, []RenamedKey{{Old: "llama.block_count", New: "llama.layers"}}, result.Renamed)
	assert.Empty(t, result.NoOps)
	assert.Equal(t, "applied 4 changes", result.Message)
	assert.Empty(t, result.BackupPath)

	file, err := gguf.Open(path)
	require.NoError(t, err)
	wantKeys := []string{gguf.KeyGeneralArchitecture, gguf.KeyGeneralName, "general.license", "llama.layers"}
	if diff := cmp.Diff(wantKeys, fieldKeys(file.Fields())); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, wantKeys, fieldKeys(result.Fields))
	name, _ := file.GetField(gguf.KeyGeneralName)
	assert.Equal(t, "renamed", name.String())
	layers, _ := file.GetField("llama.layers")
	assert.Equal(t, gguf.TypeUint32, layers.Type())
	assert.Equal(t, uint64(2), layers.Uint())
	requireTensorsIntact(t, path)

	// No temporary files are left behind. The lock file stays for other editors.
	assert.Equal(t, []string{"model.gguf", "model.gguf.lock"}, dirNames(t, filepath.Dir(path)))
}

func TestApplyNetChanges(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.LittleEndian)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	result, err := New(path).Apply(context.Background(),
		Set(gguf.KeyGeneralName, gguf.ValueOf("other")),
		Set(gguf.KeyGeneralName, gguf.ValueOf("test")),
		Delete("llama.block_count"),
		Set("llama.block_count", gguf.ValueOf(uint32(2))),
		Set("general.tmp", gguf.ValueOf("x")),
		Delete("general.tmp"),
	)
	require.NoError(t, err)
	assert.Empty(t, result.Changed)
	assert.Empty(t, result.Deleted)

	// The re-added key moved to the end, so the file is still rewritten.
	assert.True(t, result.HasChanges())
	wantKeys := []string{gguf.KeyGeneralArchitecture, gguf.KeyGeneralName, "tokenizer.ggml.tokens", "llama.block_count"}
	assert.Equal(t, wantKeys, fieldKeys(result.Fields))
	requireTensorsIntact(t, path)

	path = writeModel(t, t.TempDir(), binary.LittleEndian)
	result, err = New(path).WithBackup(true).Apply(context.Background(),
		Set(gguf.KeyGeneralName, gguf.ValueOf("other")),
		Set(gguf.KeyGeneralName, gguf.ValueOf("test")),
	)
	require.NoError(t, err)
	assert.False(t, result.HasChanges())
	assert.Empty(t, result.Changed)
	assert.Equal(t, "no changes needed", result.Message)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyScalarTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalar.gguf")
	scalar := []byte{1, 2, 3, 4}
	w := gguf.NewWriter("llama")
	require.NoError(t, w.AddTensor("s", nil, gguf.TensorTypeF32))
	require.NoError(t, w.AddTensor("b", []uint64{4}, gguf.TensorTypeI8))
	empty, err := w.Create(path)
	require.NoError(t, err)
	header, err := empty.WriteHeader()
	require.NoError(t, err)
	kv, err := header.WriteKVData()
	require.NoError(t, err)
	ti, err := kv.WriteTensorInfo()
	require.NoError(t, err)
	weights, err := ti.WritePadding()
	require.NoError(t, err)
	require.NoError(t, weights.WriteTensorData(scalar))
	require.NoError(t, weights.WriteTensorData(payloadB))
	require.NoError(t, w.Close())

	_, err = New(path).Apply(context.Background(), Set(gguf.KeyGeneralName, gguf.ValueOf("scalar")))
	require.NoError(t, err)

	reader, err := gguf.OpenMMap(path)
	require.NoError(t, err)
	defer reader.Close()
	raw, info, err := reader.ReadTensorRaw("s")
	require.NoError(t, err)
	assert.Empty(t, info.Shape)
	assert.Equal(t, uint64(1), info.NumElements())
	assert.Equal(t, uint64(4), info.Size)
	assert.Equal(t, scalar, raw)
	raw, _, err = reader.ReadTensorRaw("b")
	require.NoError(t, err)
	assert.Equal(t, payloadB, raw)
}

func TestApplyIdempotent(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.LittleEndian)
	ctx := context.Background()

	op := Set("general.description", gguf.ValueOf("a model"))
	result, err := New(path).Apply(ctx, op, op)
	require.NoError(t, err)
	assert.Equal(t, []string{"general.description"}, result.Changed)
	assert.Equal(t, []string{"set general.description: value unchanged"}, result.NoOps)

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	result, err = New(path).Apply(ctx, op, Delete("missing.key"), Rename("missing.other", "x"))
	require.NoError(t, err)
	assert.False(t, result.HasChanges())
	assert.Empty(t, result.Changed)
	assert.Equal(t, "no changes needed", result.Message)
	assert.Equal(t, []string{
		"set general.description: value unchanged",
		"delete missing.key: key not found",
		"rename missing.other: key not found",
	}, result.NoOps)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApplyBackup(t *testing.T) {
	t.Run("kept", func(t *testing.T) {
		path := writeModel(t, t.TempDir(), binary.LittleEndian)
		original, err := os.ReadFile(path)
		require.NoError(t, err)

		result, err := New(path).WithBackup(true).Apply(context.Background(), Delete(gguf.KeyGeneralName))
		require.NoError(t, err)
		assert.Equal(t, path+".backup", result.BackupPath)
		backup, err := os.ReadFile(result.BackupPath)
		require.NoError(t, err)
		assert.Equal(t, original, backup)
	})

	t.Run("removed without changes", func(t *testing.T) {
		path := writeModel(t, t.TempDir(), binary.LittleEndian)
		result, err := New(path).WithBackup(true).
			Apply(context.Background(), Set(gguf.KeyGeneralName, gguf.ValueOf("test")))
		require.NoError(t, err)
		assert.Equal(t, "no changes needed", result.Message)
		assert.Empty(t, result.BackupPath)
		assert.NoFileExists(t, path+".backup")
	})

	t.Run("exists", func(t *testing.T) {
		path := writeModel(t, t.TempDir(), binary.LittleEndian)
		require.NoError(t, os.WriteFile(path+".bak", []byte("previous"), 0o644))
		original, err := os.ReadFile(path)
		require.NoError(t, err)

		_, err = New(path).WithBackup(true).WithBackupSuffix(".bak").
			Apply(context.Background(), Delete(gguf.KeyGeneralName))
		require.ErrorIs(t, err, gguf.ErrBackupExists)
		assert.Equal(t, "BackupAlreadyExists", gguf.Kind(err))
		current, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, original, current)

		result, err := New(path).WithBackup(true).WithBackupSuffix(".bak").WithForce(true).
			Apply(context.Background(), Delete(gguf.KeyGeneralName))
		require.NoError(t, err)
		backup, err := os.ReadFile(result.BackupPath)
		require.NoError(t, err)
		assert.Equal(t, original, backup)
	})

	t.Run("timestamped", func(t *testing.T) {
		e := New("/models/m.gguf").WithTimestampedBackup(true)
		e.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 123_000_000, time.UTC) }
		assert.Equal(t, "/models/m.gguf.backup-2024-03-05T14-07-09-123Z", e.BackupPath())
	})
}

func TestApplyPreconditions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	op := Delete(gguf.KeyGeneralName)

	_, err := New(filepath.Join(dir, "missing.gguf")).Apply(ctx, op)
	assert.ErrorIs(t, err, gguf.ErrFileNotFound)

	_, err = New(dir).Apply(ctx, op)
	assert.ErrorIs(t, err, gguf.ErrNotRegularFile)

	_, err = New(writeModel(t, dir, binary.LittleEndian)).Apply(ctx, Delete(""))
	assert.ErrorIs(t, err, ErrInvalidOperation)

	if os.Geteuid() == 0 {
		t.Skip("permission checks don't apply to root")
	}
	path := writeModel(t, t.TempDir(), binary.LittleEndian)
	require.NoError(t, os.Chmod(path, 0o444))
	_, err = New(path).Apply(ctx, op)
	assert.ErrorIs(t, err, gguf.ErrNotWritable)

	// A read-only file can still be previewed.
	result, err := New(path).WithDryRun(true).Apply(ctx, op)
	require.NoError(t, err)
	assert.True(t, result.HasChanges())
}

func TestDryRun(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.LittleEndian)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	var messages []string
	result, err := New(path).WithDryRun(true).WithBackup(true).
		WithProgress(func(p Progress) { messages = append(messages, p.Message) }).
		Apply(context.Background(), Set("general.version", gguf.ValueOf("1.0")))
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, "dry run: would apply 1 changes", result.Message)
	field, found := result.GetField("general.version")
	require.True(t, found)
	assert.Equal(t, "1.0", field.String())
	assert.Equal(t, []string{"Previewing operations", result.Message}, messages)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, path+".backup")
}

func TestApplyBigEndian(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.BigEndian)
	_, err := New(path).Apply(context.Background(), Set(gguf.KeyGeneralName, gguf.ValueOf("be")))
	require.NoError(t, err)

	file, err := gguf.Open(path)
	require.NoError(t, err)
	assert.Equal(t, binary.ByteOrder(binary.BigEndian), file.ByteOrder)
	name, _ := file.GetField(gguf.KeyGeneralName)
	assert.Equal(t, "be", name.String())
	requireTensorsIntact(t, path)
}

func TestApplyAlignment(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.LittleEndian)
	result, err := New(path).Apply(context.Background(), SetUntyped(gguf.KeyGeneralAlignment, ParseValue("64")))
	require.NoError(t, err)
	field, _ := result.GetField(gguf.KeyGeneralAlignment)
	assert.Equal(t, gguf.TypeUint32, field.Type())

	file, err := gguf.Open(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), file.Alignment)
	assert.Zero(t, file.DataOffset()%64)
	b, _ := file.GetTensorInfo("b")
	assert.Equal(t, uint64(64), b.Offset)
	requireTensorsIntact(t, path)

	// Coercion keeps the existing type.
	result, err = New(path).Apply(context.Background(), SetUntyped("llama.block_count", ParseValue("2")))
	require.NoError(t, err)
	assert.False(t, result.HasChanges())
}

func TestApplyFailureKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, binary.LittleEndian)
	original, err := os.ReadFile(path)
	require.NoError(t, err)

	// An untyped 0 is converted to a UINT32 alignment, which the writer rejects.
	_, err = New(path).WithBackup(true).
		Apply(context.Background(), SetUntyped(gguf.KeyGeneralAlignment, gguf.ValueOf(int32(0))))
	require.ErrorIs(t, err, gguf.ErrInvalidAlignment)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, current)
	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, original, backup)
	assert.Equal(t, []string{"model.gguf", "model.gguf.backup", "model.gguf.lock"}, dirNames(t, dir),
		"no temporary file is left behind")
}

func TestApplyProgress(t *testing.T) {
	path := writeModel(t, t.TempDir(), binary.LittleEndian)
	var steps []Progress
	_, err := New(path).WithBackup(true).
		WithProgress(func(p Progress) { steps = append(steps, p) }).
		Apply(context.Background(), Delete(gguf.KeyGeneralName))
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i].Fraction, steps[i-1].Fraction)
	}
	assert.Equal(t, Progress{Message: "applied 1 changes", Fraction: 1}, steps[len(steps)-1])
}
