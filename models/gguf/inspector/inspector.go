// Package inspector produces read-only reports of GGUF files: file information,
// metadata, tensor tables and structural validation.
//
// Example:
//
//	report, err := inspector.New("model.gguf").WithFilter("llama.").Inspect(ctx)
//	if err != nil {
//		return err
//	}
//	return report.WriteText(os.Stdout)
package inspector

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/gomlx/gguf-tools/models/gguf/hasher"
	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultMaxStringLength is the display width strings are truncated to unless verbose.
	DefaultMaxStringLength = 60

	// maxArrayItems is the number of array elements shown in full unless verbose.
	maxArrayItems = 5
	// summaryItems is the number of leading elements shown in an array summary.
	summaryItems = 3
)

// Inspector reports on a single GGUF file. It never opens the file for writing.
type Inspector struct {
	path            string
	filter          string
	verbose         bool
	maxStringLength int
	metadata        bool
	tensors         bool
	fileInfo        bool
	validate        bool
}

// New creates an Inspector for path. By default it reports file information,
// metadata and tensors, without validation.
func New(path string) *Inspector {
	return &Inspector{
		path:            path,
		maxStringLength: DefaultMaxStringLength,
		metadata:        true,
		tensors:         true,
		fileInfo:        true,
	}
}

// WithFilter restricts metadata keys and tensor names to those containing filter.
func (i *Inspector) WithFilter(filter string) *Inspector {
	i.filter = filter
	return i
}

// WithVerbose disables the truncation of strings and arrays.
func (i *Inspector) WithVerbose(verbose bool) *Inspector {
	i.verbose = verbose
	return i
}

// WithMaxStringLength sets the display width strings are truncated to. Values below 1 are raised to 1.
func (i *Inspector) WithMaxStringLength(length int) *Inspector {
	i.maxStringLength = max(length, 1)
	return i
}

// WithoutMetadata leaves the metadata out of the report.
func (i *Inspector) WithoutMetadata() *Inspector {
	i.metadata = false
	return i
}

// WithoutTensors leaves the tensor table out of the report.
func (i *Inspector) WithoutTensors() *Inspector {
	i.tensors = false
	return i
}

// WithoutFileInfo leaves the file information, including the SHA-256 of the file, out of the report.
func (i *Inspector) WithoutFileInfo() *Inspector {
	i.fileInfo = false
	return i
}

// WithValidation adds the structural validation to the report.
func (i *Inspector) WithValidation(validate bool) *Inspector {
	i.validate = validate
	return i
}

// Path returns the inspected file path.
func (i *Inspector) Path() string {
	return i.path
}

// FileInfo describes the container as a whole.
type FileInfo struct {
	Path              string `json:"path"`
	Size              int64  `json:"size"`
	Version           uint32 `json:"version"`
	ByteOrder         string `json:"byte_order"`
	HostByteOrder     string `json:"host_byte_order"`
	ByteOrderMismatch bool   `json:"byte_order_mismatch"`
	Alignment         uint64 `json:"alignment"`
	DataOffset        int64  `json:"data_offset"`
	NumFields         int    `json:"num_fields"`
	NumTensors        int    `json:"num_tensors"`
	TensorDataSize    uint64 `json:"tensor_data_size"`
	SHA256            string `json:"sha256"`
}

// MetadataEntry is one metadata field, formatted for display.
type MetadataEntry struct {
	// Index is the position of the field in the file, starting at 1.
	Index int
	Key   string
	// Type is the value type name, "ARRAY[<elem>]" for arrays.
	Type string
	// Length is the number of elements of arrays and the number of characters of strings.
	Length int
	// Display is the value as shown in reports, truncated unless verbose.
	Display string
	Value   gguf.Value

	jsonValue any
}

// TensorEntry is one row of the tensor table.
type TensorEntry struct {
	Index  int      `json:"index"`
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Shape  []uint64 `json:"shape"`
	Size   uint64   `json:"size"`
	Offset int64    `json:"offset"`
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Validation holds the result of the structural checks.
type Validation struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Errors returns the issues of SeverityError.
func (v *Validation) Errors() []Issue {
	return v.bySeverity(SeverityError)
}

// Warnings returns the issues of SeverityWarning.
func (v *Validation) Warnings() []Issue {
	return v.bySeverity(SeverityWarning)
}

func (v *Validation) bySeverity(s Severity) []Issue {
	var out []Issue
	for _, issue := range v.Issues {
		if issue.Severity == s {
			out = append(out, issue)
		}
	}
	return out
}

func (v *Validation) add(s Severity, format string, args ...any) {
	v.Issues = append(v.Issues, Issue{Severity: s, Message: fmt.Sprintf(format, args...)})
	if s == SeverityError {
		v.Valid = false
	}
}

// Report is the result of Inspect. Sections left out by the Inspector options are nil.
type Report struct {
	FileInfo   *FileInfo
	Metadata   []MetadataEntry
	Tensors    []TensorEntry
	Validation *Validation
}

// TotalTensorSize returns the sum of the sizes of the reported tensors.
func (r *Report) TotalTensorSize() uint64 {
	var total uint64
	for _, t := range r.Tensors {
		total += t.Size
	}
	return total
}

// Inspect parses the file and builds the report.
func (i *Inspector) Inspect(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := gguf.Open(i.path)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("inspector: %s: %d fields, %d tensors", i.path, file.NumFields(), len(file.TensorInfos))

	report := &Report{}
	if i.fileInfo {
		report.FileInfo, err = i.buildFileInfo(ctx, file)
		if err != nil {
			return nil, err
		}
	}
	if i.metadata {
		report.Metadata = i.buildMetadata(file)
	}
	if i.tensors {
		report.Tensors = i.buildTensors(file)
	}
	if i.validate {
		report.Validation = Validate(file)
	}
	return report, nil
}

func (i *Inspector) buildFileInfo(ctx context.Context, file *gguf.File) (*FileInfo, error) {
	info := &FileInfo{
		Path:          i.path,
		Size:          file.Size(),
		Version:       file.Version,
		ByteOrder:     byteOrderName(file.ByteOrder),
		HostByteOrder: byteOrderName(hostByteOrder()),
		Alignment:     file.Alignment,
		DataOffset:    file.DataOffset(),
		NumFields:     file.NumFields(),
		NumTensors:    len(file.TensorInfos),
	}
	info.ByteOrderMismatch = info.ByteOrder != info.HostByteOrder
	for _, ti := range file.TensorInfos {
		info.TensorDataSize += ti.Size
	}

	results, err := hasher.New().WithAlgorithms(hasher.SHA256).WithWorkers(1).HashFiles(ctx, []string{i.path})
	if err != nil {
		return nil, err
	}
	if results[0].Err != nil {
		return nil, errors.WithMessagef(results[0].Err, "inspector: hash %s", i.path)
	}
	info.SHA256 = results[0].Digests[hasher.SHA256]
	return info, nil
}

func (i *Inspector) matches(name string) bool {
	return i.filter == "" || strings.Contains(name, i.filter)
}

func (i *Inspector) buildMetadata(file *gguf.File) []MetadataEntry {
	entries := []MetadataEntry{}
	for idx, field := range file.Fields() {
		if !i.matches(field.Key) {
			continue
		}
		entry := MetadataEntry{
			Index:   idx + 1,
			Key:     field.Key,
			Type:    typeName(field.Value),
			Display: i.formatValue(field.Value),
			Value:   field.Value,
		}
		entry.jsonValue = field.Interface()
		switch {
		case field.IsArray():
			entry.Length = field.Len()
			if !i.verbose && entry.Length > maxArrayItems {
				entry.jsonValue = entry.Display
			}
		case field.Type() == gguf.TypeString:
			entry.Length = len([]rune(field.String()))
			entry.jsonValue = i.truncate(field.String())
		}
		entries = append(entries, entry)
	}
	return entries
}

func (i *Inspector) buildTensors(file *gguf.File) []TensorEntry {
	entries := []TensorEntry{}
	for idx, ti := range file.TensorInfos {
		if !i.matches(ti.Name) {
			continue
		}
		entries = append(entries, TensorEntry{
			Index:  idx + 1,
			Name:   ti.Name,
			Type:   ti.Type.String(),
			Shape:  slices.Clone(ti.Shape),
			Size:   ti.Size,
			Offset: ti.AbsoluteOffset(file.DataOffset()),
		})
	}
	return entries
}

// RequiredKeys are the metadata keys Validate expects in every file.
var RequiredKeys = []string{gguf.KeyGeneralArchitecture, gguf.KeyGeneralName}

// Validate checks the required metadata keys and the placement of every tensor:
// aligned offsets, payloads within the file and no overlapping payloads.
func Validate(file *gguf.File) *Validation {
	v := &Validation{Valid: true, Issues: []Issue{}}
	for _, key := range RequiredKeys {
		if _, ok := file.GetField(key); !ok {
			v.add(SeverityError, "missing required metadata key %q", key)
		}
	}
	if len(file.TensorInfos) == 0 {
		v.add(SeverityWarning, "file has no tensors")
	}

	dataOffset := file.DataOffset()
	for _, ti := range file.TensorInfos {
		if ti.Offset%file.Alignment != 0 {
			v.add(SeverityError, "tensor %q offset %d is not a multiple of the alignment %d", ti.Name, ti.Offset, file.Alignment)
		}
		start := uint64(ti.AbsoluteOffset(dataOffset))
		if end := start + ti.Size; end < start || end > uint64(file.Size()) {
			v.add(SeverityError, "tensor %q data [%d, %d) extends past the end of the file (%d bytes)",
				ti.Name, start, start+ti.Size, file.Size())
		}
	}

	sorted := file.TensorsByOffset()
	for k := 1; k < len(sorted); k++ {
		prev, cur := sorted[k-1], sorted[k]
		if prev.Offset+prev.Size > cur.Offset {
			v.add(SeverityError, "tensor %q data [%d, %d) overlaps tensor %q starting at %d",
				prev.Name, prev.Offset, prev.Offset+prev.Size, cur.Name, cur.Offset)
		}
	}
	return v
}

func typeName(v gguf.Value) string {
	if v.IsArray() {
		return fmt.Sprintf("%s[%s]", gguf.TypeArray, v.ElemType())
	}
	return v.Type().String()
}

// formatValue renders v for display. Unless verbose, strings are truncated to
// the maximum display width and arrays longer than maxArrayItems are summarized.
func (i *Inspector) formatValue(v gguf.Value) string {
	switch {
	case v.IsArray():
		items := v.Values()
		if !i.verbose && len(items) > maxArrayItems {
			parts := make([]string, summaryItems)
			for k := range parts {
				parts[k] = i.formatValue(items[k])
			}
			return fmt.Sprintf("[%d items: %s, ...]", len(items), strings.Join(parts, ", "))
		}
		parts := make([]string, len(items))
		for k, item := range items {
			parts[k] = i.formatValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case v.Type() == gguf.TypeString:
		return strconv.Quote(i.truncate(v.String()))
	default:
		return fmt.Sprint(v.Interface())
	}
}

func (i *Inspector) truncate(s string) string {
	if i.verbose || runewidth.StringWidth(s) <= i.maxStringLength {
		return s
	}
	return runewidth.Truncate(s, i.maxStringLength, "") + "..."
}

func hostByteOrder() binary.ByteOrder {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], 1)
	if buf[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func byteOrderName(order binary.ByteOrder) string {
	if order == binary.BigEndian {
		return "big-endian"
	}
	return "little-endian"
}
