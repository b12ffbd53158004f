package index

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/pkg/models"
)

const (
	snapshotMagic   = "RQIX"
	snapshotVersion = uint32(1)
	snapshotExt     = ".idx"
)

// SnapshotStore persists Flat indexes, one file per repository. Files are
// written to a temporary name and renamed into place, so a crash mid-write
// leaves the previous snapshot intact.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore creates dir if needed.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

// Path returns the snapshot file for a repository name.
func (s *SnapshotStore) Path(name string) string {
	return filepath.Join(s.dir, name+snapshotExt)
}

// Save writes the snapshot for repo atomically.
func (s *SnapshotStore) Save(repo models.Repository, f *Flat) error {
	tmp, err := os.CreateTemp(s.dir, "."+repo.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
				log.Warn().Err(rmErr).Str("path", tmpName).Msg("failed to remove snapshot temp file")
			}
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := encodeSnapshot(w, repo, f); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(repo.Name)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	committed = true
	return nil
}

// Load reads one snapshot file.
func (s *SnapshotStore) Load(name string) (models.Repository, *Flat, error) {
	fh, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return models.Repository{}, nil, apperr.Wrap(apperr.NotFound, err, "no snapshot for repository %q", name)
		}
		return models.Repository{}, nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return models.Repository{}, nil, fmt.Errorf("stat snapshot: %w", err)
	}
	return decodeSnapshot(bufio.NewReader(fh), fi.Size())
}

// LoadAll restores every snapshot in the directory, sorted by name.
// Unreadable files are logged and skipped.
func (s *SnapshotStore) LoadAll(ctx context.Context) ([]Loaded, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read index dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || filepath.Ext(n) != snapshotExt {
			continue
		}
		names = append(names, strings.TrimSuffix(n, snapshotExt))
	}
	sort.Strings(names)

	out := make([]Loaded, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		repo, f, err := s.Load(name)
		if err != nil {
			log.Warn().Err(err).Str("repo", name).Msg("skipping unreadable index snapshot")
			continue
		}
		out = append(out, Loaded{Repo: repo, Index: f})
	}
	return out, nil
}

// FlatBuilder builds Flat indexes and, when Snapshots is set, persists them
// before returning.
type FlatBuilder struct {
	Snapshots *SnapshotStore
}

// Build implements Builder.
func (b *FlatBuilder) Build(ctx context.Context, repo models.Repository, chunks []models.Chunk) (Index, error) {
	f, err := NewFlat(chunks)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.Snapshots != nil {
		repo.ChunkCount = f.Len()
		if err := b.Snapshots.Save(repo, f); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "persist index for %q", repo.Name)
		}
	}
	return f, nil
}

// ---------- encoding ----------

func encodeSnapshot(w io.Writer, repo models.Repository, f *Flat) error {
	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return err
	}
	for _, v := range []uint32{snapshotVersion, uint32(f.dim), uint32(len(f.chunks))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, str := range []string{repo.Name, repo.SourceURL, repo.LocalPath} {
		if err := writeString(w, str); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, repo.IndexedAt.UnixNano()); err != nil {
		return err
	}

	buf := make([]byte, f.dim*4)
	for _, c := range f.chunks {
		for _, str := range []string{c.FilePath, c.Language, c.Code} {
			if err := writeString(w, str); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, [2]uint32{uint32(c.StartLine), uint32(c.EndLine)}); err != nil {
			return err
		}
		for i, v := range c.Vector {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// decodeSnapshot reads at most size bytes from src. Header counts are
// checked against size before anything is allocated from them.
func decodeSnapshot(src io.Reader, size int64) (models.Repository, *Flat, error) {
	var repo models.Repository
	r := &io.LimitedReader{R: src, N: size}
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return repo, nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return repo, nil, errors.New("not an index snapshot")
	}
	var hdr [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return repo, nil, fmt.Errorf("read header: %w", err)
	}
	if hdr[0] != snapshotVersion {
		return repo, nil, fmt.Errorf("unsupported snapshot version %d", hdr[0])
	}
	dim, n := int64(hdr[1]), int64(hdr[2])
	if dim == 0 || dim > maxSnapshotDim {
		return repo, nil, fmt.Errorf("snapshot dimension %d out of range", dim)
	}
	if n == 0 {
		return repo, nil, errors.New("snapshot holds no vectors")
	}
	// Each chunk is at least three string lengths, two line numbers and
	// its vector.
	if minChunk := 3*4 + 2*4 + dim*4; n > r.N/minChunk {
		return repo, nil, fmt.Errorf("snapshot claims %d chunks but holds %d bytes", n, r.N)
	}

	var err error
	if repo.Name, err = readString(r); err != nil {
		return repo, nil, err
	}
	if repo.SourceURL, err = readString(r); err != nil {
		return repo, nil, err
	}
	if repo.LocalPath, err = readString(r); err != nil {
		return repo, nil, err
	}
	var nanos int64
	if err := binary.Read(r, binary.LittleEndian, &nanos); err != nil {
		return repo, nil, fmt.Errorf("read timestamp: %w", err)
	}
	repo.IndexedAt = time.Unix(0, nanos).UTC()

	chunks := make([]models.Chunk, 0, n)
	buf := make([]byte, dim*4)
	for i := int64(0); i < n; i++ {
		var c models.Chunk
		if c.FilePath, err = readString(r); err != nil {
			return repo, nil, err
		}
		if c.Language, err = readString(r); err != nil {
			return repo, nil, err
		}
		if c.Code, err = readString(r); err != nil {
			return repo, nil, err
		}
		var lines [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &lines); err != nil {
			return repo, nil, fmt.Errorf("read lines: %w", err)
		}
		c.StartLine, c.EndLine = int(lines[0]), int(lines[1])
		if _, err := io.ReadFull(r, buf); err != nil {
			return repo, nil, fmt.Errorf("read vector: %w", err)
		}
		c.Vector = make([]float32, dim)
		for j := range c.Vector {
			c.Vector[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		chunks = append(chunks, c)
	}

	// Vectors were normalised before they were written.
	f := &Flat{dim: int(dim), chunks: chunks}
	repo.ChunkCount = f.Len()
	return repo, f, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// maxSnapshotDim bounds the vector width accepted from a file header.
const maxSnapshotDim = 1 << 16

func readString(r *io.LimitedReader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if int64(n) > r.N {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.N)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read string: %w", err)
	}
	return string(b), nil
}
