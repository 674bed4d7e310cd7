// Package hasher computes digests of GGUF files.
//
// Besides standard whole-file digests, it computes two structural digests:
//
//   - gguf-content: SHA-256 over the tensors only (name, shape, type, byte
//     length and payload), in tensor name order. Editing the metadata or
//     reordering the tensors of a file doesn't change it.
//   - gguf-metadata: SHA-256 over the metadata fields only, in key order.
//     It doesn't depend on the tensors or on the byte order of the file.
//
// Files are hashed in parallel by a bounded pool of workers; each file is
// hashed sequentially by one worker.
package hasher

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	_ "crypto/sha256" // Registers digest.SHA256.
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultBufferSize is the read buffer size of whole-file digests.
const DefaultBufferSize = 1 << 20

// ErrUnknownAlgorithm is returned for algorithm names not in Algorithms.
var ErrUnknownAlgorithm = errors.New("hasher: unknown algorithm")

// Algorithm names a digest algorithm.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA1       Algorithm = "sha1"
	MD5        Algorithm = "md5"
	Blake2b256 Algorithm = "blake2b-256"
	Content    Algorithm = "gguf-content"
	Metadata   Algorithm = "gguf-metadata"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{SHA256, SHA1, MD5, Blake2b256, Content, Metadata}

// IsStructural returns whether the algorithm hashes the parsed GGUF structure
// rather than the raw file bytes.
func (a Algorithm) IsStructural() bool {
	return a == Content || a == Metadata
}

// Valid returns whether the algorithm is one of Algorithms.
func (a Algorithm) Valid() bool {
	return slices.Contains(Algorithms, a)
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return digest.SHA256.Hash(), nil
	case SHA1:
		return sha1.New(), nil
	case MD5:
		return md5.New(), nil
	case Blake2b256:
		return blake2b.New256(nil)
	default:
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "%q is not a whole-file algorithm", a)
	}
}

// checkAlgorithms fails with ErrUnknownAlgorithm if no algorithm is configured
// or any of them is not supported.
func checkAlgorithms(algs []Algorithm) error {
	if len(algs) == 0 {
		return errors.Wrap(ErrUnknownAlgorithm, "no algorithms configured")
	}
	for _, alg := range algs {
		if !alg.Valid() {
			return errors.Wrapf(ErrUnknownAlgorithm, "%q, valid algorithms are %q", alg, Algorithms)
		}
	}
	return nil
}

// ParseAlgorithms parses algorithm names. Each name may hold a comma separated
// list. Duplicates are removed, and unknown names fail with ErrUnknownAlgorithm.
func ParseAlgorithms(names ...string) ([]Algorithm, error) {
	var algs []Algorithm
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			alg := Algorithm(part)
			if !alg.Valid() {
				return nil, errors.Wrapf(ErrUnknownAlgorithm, "%q, valid algorithms are %q", part, Algorithms)
			}
			if !slices.Contains(algs, alg) {
				algs = append(algs, alg)
			}
		}
	}
	return algs, nil
}

// Result holds the digests of one file.
type Result struct {
	Path string
	Size int64
	// Digests maps each requested algorithm to its hex encoded digest.
	Digests  map[Algorithm]string
	Duration time.Duration
	// Err is the reason the file could not be hashed. Other files of a batch are not affected.
	Err error
}

// Digest returns the digest of the algorithm in "<algorithm>:<hex>" form, or "" if it wasn't computed.
func (r *Result) Digest(alg Algorithm) digest.Digest {
	encoded, ok := r.Digests[alg]
	if !ok {
		return ""
	}
	return digest.NewDigestFromEncoded(digest.Algorithm(alg), encoded)
}

// ProgressCallback is called each time a file of a batch is done, with the
// number of files done so far and the total number of files.
type ProgressCallback func(done, total int, result *Result)

// Hasher computes the digests of GGUF files. Configure it with the With* methods.
type Hasher struct {
	algorithms       []Algorithm
	workers          int
	bufferSize       int
	recursive        bool
	progressCallback ProgressCallback
}

// New creates a Hasher computing SHA256 with one worker per CPU.
func New() *Hasher {
	return &Hasher{
		algorithms: []Algorithm{SHA256},
		workers:    runtime.GOMAXPROCS(0),
		bufferSize: DefaultBufferSize,
	}
}

// WithAlgorithms sets the algorithms to compute.
func (h *Hasher) WithAlgorithms(algorithms ...Algorithm) *Hasher {
	h.algorithms = slices.Clone(algorithms)
	return h
}

// WithWorkers sets the number of files hashed in parallel. With 1, files are hashed sequentially.
// Values < 1 are ignored.
func (h *Hasher) WithWorkers(workers int) *Hasher {
	if workers >= 1 {
		h.workers = workers
	}
	return h
}

// WithBufferSize sets the size of the buffer used to stream each file. Values < 1 are ignored.
func (h *Hasher) WithBufferSize(size int) *Hasher {
	if size >= 1 {
		h.bufferSize = size
	}
	return h
}

// WithRecursive makes HashDirectory descend into subdirectories.
func (h *Hasher) WithRecursive(recursive bool) *Hasher {
	h.recursive = recursive
	return h
}

// WithProgress sets a callback called as each file of a batch is done.
func (h *Hasher) WithProgress(callback ProgressCallback) *Hasher {
	h.progressCallback = callback
	return h
}

// Algorithms returns the configured algorithms.
func (h *Hasher) Algorithms() []Algorithm {
	return slices.Clone(h.algorithms)
}

// HashFile computes the configured digests of one file.
// The returned Result has Err set to the returned error.
func (h *Hasher) HashFile(path string) (*Result, error) {
	start := time.Now()
	result := &Result{Path: path, Digests: make(map[Algorithm]string, len(h.algorithms))}
	result.Err = h.hashFile(path, result)
	result.Duration = time.Since(start)
	if result.Err == nil {
		klog.V(2).Infof("hashed %s (%d bytes) in %s", path, result.Size, result.Duration)
	}
	return result, result.Err
}

func (h *Hasher) hashFile(path string, result *Result) error {
	if err := checkAlgorithms(h.algorithms); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return statError(err, path)
	}
	if !info.Mode().IsRegular() {
		return errors.Wrapf(gguf.ErrNotRegularFile, "%s", path)
	}
	result.Size = info.Size()

	var rawAlgs []Algorithm
	var structural bool
	for _, alg := range h.algorithms {
		if alg.IsStructural() {
			structural = true
		} else {
			rawAlgs = append(rawAlgs, alg)
		}
	}
	if len(rawAlgs) > 0 {
		if err := h.hashRaw(path, rawAlgs, result); err != nil {
			return err
		}
	}
	if structural {
		if err := h.hashStructure(path, result); err != nil {
			return err
		}
	}
	return nil
}

// hashRaw streams the file once through every whole-file digest.
func (h *Hasher) hashRaw(path string, algs []Algorithm, result *Result) error {
	f, err := os.Open(path)
	if err != nil {
		return statError(err, path)
	}
	defer f.Close()

	hashes := make([]hash.Hash, len(algs))
	writers := make([]io.Writer, len(algs))
	for i, alg := range algs {
		if hashes[i], err = alg.newHash(); err != nil {
			return err
		}
		writers[i] = hashes[i]
	}
	n, err := io.CopyBuffer(io.MultiWriter(writers...), f, make([]byte, h.bufferSize))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", path)
	}
	result.Size = n
	for i, alg := range algs {
		result.Digests[alg] = hex.EncodeToString(hashes[i].Sum(nil))
	}
	return nil
}

func (h *Hasher) hashStructure(path string, result *Result) error {
	reader, err := gguf.OpenMMap(path)
	if err != nil {
		return err
	}
	defer reader.Close()
	for _, alg := range h.algorithms {
		switch alg {
		case Content:
			sum, err := ContentDigest(reader)
			if err != nil {
				return err
			}
			result.Digests[Content] = sum
		case Metadata:
			result.Digests[Metadata] = MetadataDigest(reader.File())
		}
	}
	return nil
}

// ContentDigest returns the hex encoded gguf-content digest of a file: for
// each tensor in name order, its name, logical shape, type, byte length and
// payload, framed in little-endian.
func ContentDigest(reader *gguf.MMapReader) (string, error) {
	infos := slices.Clone(reader.File().TensorInfos)
	slices.SortFunc(infos, func(a, b gguf.TensorInfo) int { return strings.Compare(a.Name, b.Name) })

	h := digest.SHA256.Hash()
	var buf []byte
	for _, ti := range infos {
		buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(len(ti.Name)))
		buf = append(buf, ti.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ti.Shape)))
		for _, d := range ti.Shape {
			buf = binary.LittleEndian.AppendUint64(buf, d)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(ti.Type))
		buf = binary.LittleEndian.AppendUint64(buf, ti.Size)
		h.Write(buf)

		section, _, err := reader.TensorSection(ti.Name)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, section); err != nil {
			return "", errors.Wrapf(err, "failed to read tensor %q", ti.Name)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MetadataDigest returns the hex encoded gguf-metadata digest of a file: for
// each field in key order, its key, type tag and little-endian value encoding.
func MetadataDigest(file *gguf.File) string {
	fields := file.Fields()
	slices.SortFunc(fields, func(a, b gguf.Field) int { return strings.Compare(a.Key, b.Key) })

	h := digest.SHA256.Hash()
	var buf []byte
	for _, field := range fields {
		buf = binary.LittleEndian.AppendUint64(buf[:0], uint64(len(field.Key)))
		buf = append(buf, field.Key...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(field.Type()))
		buf = field.Value.AppendEncoded(buf, binary.LittleEndian)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashFiles hashes the files in parallel, returning one Result per path in the
// same order. Failures are reported in Result.Err and don't stop the batch.
//
// Once ctx is done no new file is started: the files already being hashed are
// completed, the remaining ones get ctx.Err() as Err, and ctx.Err() is returned.
//
// Unsupported algorithms fail with ErrUnknownAlgorithm before any file is read.
func (h *Hasher) HashFiles(ctx context.Context, paths []string) ([]*Result, error) {
	if err := checkAlgorithms(h.algorithms); err != nil {
		return nil, err
	}
	results := make([]*Result, len(paths))
	var mu sync.Mutex
	done := 0

	var g errgroup.Group
	g.SetLimit(h.workers)
	for i, path := range paths {
		if ctx.Err() != nil {
			results[i] = &Result{Path: path, Err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			result, err := h.HashFile(path)
			if err != nil {
				klog.V(1).Infof("failed to hash %s: %v", path, err)
			}
			results[i] = result
			mu.Lock()
			defer mu.Unlock()
			done++
			if h.progressCallback != nil {
				h.progressCallback(done, len(paths), result)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// HashDirectory hashes every "*.gguf" file in dir, and in its subdirectories
// if configured WithRecursive. Files are processed in lexical order.
func (h *Hasher) HashDirectory(ctx context.Context, dir string) ([]*Result, error) {
	paths, err := h.FindFiles(dir)
	if err != nil {
		return nil, err
	}
	return h.HashFiles(ctx, paths)
}

// FindFiles lists the "*.gguf" files HashDirectory would hash.
func (h *Hasher) FindFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path != dir && !h.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(path), ".gguf") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, statError(err, dir)
	}
	return paths, nil
}

func statError(err error, path string) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errors.Wrapf(gguf.ErrFileNotFound, "%s", path)
	case errors.Is(err, os.ErrPermission):
		return errors.Wrapf(gguf.ErrNotReadable, "%s", path)
	default:
		return errors.Wrapf(err, "failed to access %s", path)
	}
}
