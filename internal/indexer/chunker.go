package indexer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

const (
	DefaultMaxLines     = 40
	DefaultMaxFileBytes = 1 << 20
	// sniffLen is how much of a file is checked for NUL bytes.
	sniffLen = 8000
)

// ChunkerConfig is the file and split policy.
type ChunkerConfig struct {
	MaxLines     int
	MaxFileBytes int64
	Workers      int
}

// Chunker turns a snapshot directory into line-addressed chunks.
type Chunker struct {
	cfg        ChunkerConfig
	Walker     FileSystemWalker
	FileReader FileReader
}

// NewChunker applies defaults for zero config values.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.Workers <= 0 {
		cfg.Workers = min(runtime.NumCPU(), 8)
	}
	return &Chunker{
		cfg:        cfg,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// workItem represents a file to be processed
type workItem struct {
	seq  int
	path string
	data []byte
}

// Chunk walks root in lexical order and splits every text file. Chunks are
// returned in walk order and, within a file, by line.
func (c *Chunker) Chunk(ctx context.Context, root string) ([]models.Chunk, error) {
	root = filepath.Clean(root)
	workChan := make(chan workItem, c.cfg.Workers*2)
	var (
		mu      sync.Mutex
		results = make(map[int][]models.Chunk)
		wg      sync.WaitGroup
	)

	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workChan {
				relPath := rel(root, item.path)
				chunks := SplitLines(relPath, string(item.data), c.cfg.MaxLines)
				mu.Lock()
				results[item.seq] = chunks
				mu.Unlock()
			}
		}()
	}

	seq := 0
	files := 0
	walkErr := c.Walker.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// de is nil when driven by a test walker.
			if de != nil {
				if de.IsDir() {
					if path != root && skipDir(de.Name()) {
						return godirwalk.SkipThis
					}
					return nil
				}
				if de.IsSymlink() || !de.IsRegular() {
					return nil
				}
			}
			if shouldSkip(rel(root, path)) {
				return nil
			}
			if de != nil {
				if fi, err := os.Lstat(path); err == nil && fi.Size() > c.cfg.MaxFileBytes {
					log.Debug().Str("path", path).Int64("bytes", fi.Size()).Msg("skipping oversized file")
					return nil
				}
			}

			b, err := c.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}
			if int64(len(b)) > c.cfg.MaxFileBytes || !isText(b) {
				return nil
			}

			select {
			case workChan <- workItem{seq: seq, path: path, data: b}:
				seq++
				files++
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()

	if walkErr != nil {
		return nil, walkErr
	}

	var out []models.Chunk
	for i := 0; i < seq; i++ {
		out = append(out, results[i]...)
	}
	log.Debug().Str("root", root).Int("files", files).Int("chunks", len(out)).Msg("chunked snapshot")
	return out, nil
}

// SplitLines splits one file into chunks of at most maxLines lines. From a
// start line s the window ends at e = s+maxLines-1. When the file continues
// past e, the chunk instead ends at the lowest-risk blank line in the second
// half of the window: first a blank line followed by a top-level line, then
// any blank line. Without one the window is cut at e.
//
// Lines are 1-indexed and inclusive; a trailing newline does not start a new
// line. Chunks cover every line exactly once.
func SplitLines(path, content string, maxLines int) []models.Chunk {
	if content == "" {
		return nil
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	n := len(lines)
	lang := guessLang(path)

	var out []models.Chunk
	for s := 1; s <= n; {
		e := min(s+maxLines-1, n)
		if e < n {
			e = breakPoint(lines, s, e, maxLines)
		}
		out = append(out, models.Chunk{
			FilePath:  filepath.ToSlash(path),
			StartLine: s,
			EndLine:   e,
			Code:      strings.Join(lines[s-1:e], "\n"),
			Language:  lang,
		})
		s = e + 1
	}
	return out
}

// breakPoint picks the chunk end for a window [s,e] that does not reach the
// end of the file. lines is 0-indexed, s and e 1-indexed.
func breakPoint(lines []string, s, e, maxLines int) int {
	lo := s + maxLines/2
	for j := e; j >= lo; j-- {
		if isBlank(lines[j-1]) && isTopLevel(lines[j]) {
			return j
		}
	}
	for j := e; j >= lo; j-- {
		if isBlank(lines[j-1]) {
			return j
		}
	}
	return e
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// isTopLevel reports whether line starts a new unit at column zero.
func isTopLevel(line string) bool {
	if isBlank(line) {
		return false
	}
	switch line[0] {
	case ' ', '\t', ')', ']', '}':
		return false
	}
	return true
}

// isText rejects content with NUL bytes near the start or invalid UTF-8.
func isText(b []byte) bool {
	head := b
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	return utf8.Valid(b)
}

var skippedDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"vendor": true, "node_modules": true, ".terraform": true,
	"target": true, "build": true, "dist": true, "out": true, "bin": true, "obj": true,
	".venv": true, "venv": true, "__pycache__": true, ".pytest_cache": true,
	".gradle": true, ".m2": true, ".idea": true, ".vscode": true, ".next": true,
	"coverage": true, ".cache": true,
}

func skipDir(name string) bool {
	return skippedDirs[strings.ToLower(name)]
}

var skippedExts = map[string]bool{
	// images and media
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true,
	".ico": true, ".svg": true, ".tiff": true, ".mp3": true, ".mp4": true, ".wav": true,
	".mov": true, ".avi": true, ".webm": true,
	// documents and archives
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".tgz": true, ".bz2": true,
	".xz": true, ".7z": true, ".rar": true, ".jar": true, ".war": true,
	// compiled objects
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".a": true, ".o": true,
	".class": true, ".pyc": true, ".wasm": true, ".bin": true,
	// fonts
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true, ".eot": true,
	// generated
	".lock": true, ".sum": true, ".map": true,
}

// shouldSkip returns true if the file at relPath should be skipped.
func shouldSkip(relPath string) bool {
	p := strings.ToLower(filepath.ToSlash(relPath))
	parts := strings.Split(p, "/")
	for _, part := range parts[:len(parts)-1] {
		if skippedDirs[part] {
			return true
		}
	}
	if strings.HasSuffix(p, ".min.js") || strings.HasSuffix(p, ".min.css") {
		return true
	}
	return skippedExts[filepath.Ext(p)]
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}

func guessLang(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".sh", ".bash":
		return "shell"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".md":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "jsx"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "tsx"
	case ".java":
		return "java"
	case ".kt", ".kts":
		return "kotlin"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".php":
		return "php"
	case ".swift":
		return "swift"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".html", ".htm":
		return "html"
	case ".css", ".scss":
		return "css"
	case ".sql":
		return "sql"
	case ".xml":
		return "xml"
	case "":
		return "plaintext"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
