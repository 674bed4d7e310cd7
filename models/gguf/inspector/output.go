package inspector

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	ok      lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginTop(1),
		label:   r.NewStyle().Bold(true).Width(14),
		header:  r.NewStyle().Bold(true).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
	}
}

func (s styles) table(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header
			}
			return s.cell
		})
}

// WriteText writes the report as styled text. Colors are only used when w is a terminal.
func (r *Report) WriteText(w io.Writer) error {
	s := newStyles(w)
	var sb strings.Builder
	if r.FileInfo != nil {
		r.writeFileInfo(&sb, s)
	}
	if r.Metadata != nil {
		r.writeMetadata(&sb, s)
	}
	if r.Tensors != nil {
		r.writeTensors(&sb, s)
	}
	if r.Validation != nil {
		r.writeValidation(&sb, s)
	}
	_, err := io.WriteString(w, sb.String())
	return errors.Wrap(err, "inspector: write report")
}

func (r *Report) writeFileInfo(sb *strings.Builder, s styles) {
	info := r.FileInfo
	sb.WriteString(s.title.Render("File information") + "\n")
	line := func(label, format string, args ...any) {
		sb.WriteString(s.label.Render(label) + fmt.Sprintf(format, args...) + "\n")
	}
	line("File", "%s", info.Path)
	line("Size", "%s bytes (%s)", humanize.Comma(info.Size), humanize.Bytes(uint64(info.Size)))
	line("Version", "%d", info.Version)
	byteOrder := fmt.Sprintf("%s (host: %s)", info.ByteOrder, info.HostByteOrder)
	if info.ByteOrderMismatch {
		byteOrder += " " + s.warning.Render("MISMATCH")
	}
	line("Byte order", "%s", byteOrder)
	line("Alignment", "%d", info.Alignment)
	line("Data offset", "0x%08X", info.DataOffset)
	line("Metadata", "%d entries", info.NumFields)
	line("Tensors", "%d (%s)", info.NumTensors, humanize.Bytes(info.TensorDataSize))
	line("SHA-256", "%s", info.SHA256)
}

func (r *Report) writeMetadata(sb *strings.Builder, s styles) {
	sb.WriteString(s.title.Render(fmt.Sprintf("Metadata (%d key/value pairs)", len(r.Metadata))) + "\n")
	if len(r.Metadata) == 0 {
		return
	}
	t := s.table("#", "Type", "Len", "Key", "Value")
	for _, e := range r.Metadata {
		length := ""
		if e.Length > 0 {
			length = strconv.Itoa(e.Length)
		}
		t.Row(strconv.Itoa(e.Index), e.Type, length, e.Key, e.Display)
	}
	sb.WriteString(t.String() + "\n")
}

func (r *Report) writeTensors(sb *strings.Builder, s styles) {
	sb.WriteString(s.title.Render(fmt.Sprintf("Tensors (%d)", len(r.Tensors))) + "\n")
	if len(r.Tensors) == 0 {
		return
	}
	t := s.table("#", "Type", "Shape", "Size", "Offset", "Name")
	for _, e := range r.Tensors {
		t.Row(strconv.Itoa(e.Index), e.Type, formatShape(e.Shape),
			humanize.Comma(int64(e.Size)), fmt.Sprintf("0x%08X", e.Offset), e.Name)
	}
	sb.WriteString(t.String() + "\n")
	total := r.TotalTensorSize()
	sb.WriteString(fmt.Sprintf("Total tensor data: %s bytes (%s)\n", humanize.Comma(int64(total)), humanize.Bytes(total)))
}

func (r *Report) writeValidation(sb *strings.Builder, s styles) {
	sb.WriteString(s.title.Render("Validation") + "\n")
	for _, issue := range r.Validation.Issues {
		style := s.warning
		if issue.Severity == SeverityError {
			style = s.failure
		}
		sb.WriteString(style.Render(strings.ToUpper(string(issue.Severity))) + ": " + issue.Message + "\n")
	}
	if r.Validation.Valid {
		sb.WriteString(s.ok.Render("OK") + "\n")
	}
}

func formatShape(shape []uint64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.FormatUint(d, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type jsonField struct {
	Type   string `json:"type"`
	Length int    `json:"length,omitempty"`
	Value  any    `json:"value"`
}

type jsonReport struct {
	FileInfo   *FileInfo                                 `json:"file_info,omitempty"`
	Metadata   *orderedmap.OrderedMap[string, jsonField] `json:"metadata,omitempty"`
	Tensors    []TensorEntry                             `json:"tensors,omitempty"`
	TotalSize  *uint64                                   `json:"total_tensor_size,omitempty"`
	Validation *Validation                               `json:"validation,omitempty"`
}

// WriteJSON writes the report as indented JSON. Metadata keys keep the file
// order. Unless verbose, strings are truncated and long arrays are replaced by
// their display summary.
func (r *Report) WriteJSON(w io.Writer) error {
	out := jsonReport{
		FileInfo:   r.FileInfo,
		Tensors:    r.Tensors,
		Validation: r.Validation,
	}
	if r.Metadata != nil {
		out.Metadata = orderedmap.New[string, jsonField](len(r.Metadata))
		for _, e := range r.Metadata {
			out.Metadata.Set(e.Key, jsonField{Type: e.Type, Length: e.Length, Value: e.jsonValue})
		}
	}
	if r.Tensors != nil {
		total := r.TotalTensorSize()
		out.TotalSize = &total
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(out), "inspector: encode report")
}
