package hasher

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrMismatch is returned by Verify when the digest differs from the expected one.
var ErrMismatch = errors.New("hasher: digest mismatch")

// normalizeExpected strips an optional "<algorithm>:" prefix from expected and
// lower-cases the hex digits.
func normalizeExpected(alg Algorithm, expected string) (string, error) {
	expected = strings.TrimSpace(expected)
	if prefix, encoded, found := strings.Cut(expected, ":"); found {
		if Algorithm(strings.ToLower(prefix)) != alg {
			return "", errors.Errorf("expected digest %q is not a %s digest", expected, alg)
		}
		if alg == SHA256 {
			d, err := digest.Parse(strings.ToLower(expected))
			if err != nil {
				return "", errors.Wrapf(err, "invalid digest %q", expected)
			}
			return d.Encoded(), nil
		}
		expected = encoded
	}
	return strings.ToLower(expected), nil
}

// Verify hashes path with alg and compares it with expected, given either as
// hex or as "<algorithm>:<hex>". A different digest fails with ErrMismatch.
func (h *Hasher) Verify(path string, alg Algorithm, expected string) (*Result, error) {
	want, err := normalizeExpected(alg, expected)
	if err != nil {
		return nil, err
	}
	single := *h
	single.algorithms = []Algorithm{alg}
	result, err := single.HashFile(path)
	if err != nil {
		return result, err
	}
	if got := result.Digests[alg]; got != want {
		return result, errors.Wrapf(ErrMismatch, "%s %s: got %s, expected %s", path, alg, got, want)
	}
	return result, nil
}

// Checksum is one line of a checksums file.
type Checksum struct {
	Digest string
	Path   string
}

// WriteChecksums writes the alg digests of the successful results in the
// "<hex>  <path>" layout of sha256sum and similar tools.
func WriteChecksums(w io.Writer, results []*Result, alg Algorithm) error {
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		encoded, ok := r.Digests[alg]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s  %s\n", encoded, r.Path); err != nil {
			return errors.Wrap(err, "write checksums")
		}
	}
	return nil
}

// ReadChecksums parses the layout written by WriteChecksums. Blank lines and
// lines starting with "#" are skipped. The binary mode marker "*" before the
// path is accepted.
func ReadChecksums(r io.Reader) ([]Checksum, error) {
	var sums []Checksum
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		encoded, path, found := strings.Cut(line, " ")
		path = strings.TrimPrefix(strings.TrimLeft(path, " "), "*")
		if !found || encoded == "" || path == "" {
			return nil, errors.Errorf("checksums line %d: expected \"<digest>  <path>\", got %q", lineNum, line)
		}
		sums = append(sums, Checksum{Digest: encoded, Path: path})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read checksums")
	}
	return sums, nil
}

type jsonResult struct {
	Path       string               `json:"path"`
	Size       int64                `json:"size"`
	Digests    map[Algorithm]string `json:"digests,omitempty"`
	DurationMs int64                `json:"duration_ms"`
	Error      string               `json:"error,omitempty"`
}

// WriteJSON writes the results as an indented JSON array.
func WriteJSON(w io.Writer, results []*Result) error {
	out := make([]jsonResult, len(results))
	for i, r := range results {
		out[i] = jsonResult{
			Path:       r.Path,
			Size:       r.Size,
			Digests:    r.Digests,
			DurationMs: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(out), "encode results")
}
