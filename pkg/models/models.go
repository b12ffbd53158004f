package models

import "time"

// Repository is one ingested source, keyed by Name.
type Repository struct {
	Name       string    `json:"name"`
	SourceURL  string    `json:"source_url"`
	LocalPath  string    `json:"local_path"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Chunk is a line-bounded fragment of a file. Lines are 1-indexed and
// inclusive; FilePath is slash-separated and relative to the snapshot root.
type Chunk struct {
	FilePath  string    `json:"file_path"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Code      string    `json:"code"`
	Language  string    `json:"language"`
	Vector    []float32 `json:"-"`
}

// QueryResult is one ranked snippet. Distance is cosine distance in [0, 2].
type QueryResult struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Code      string  `json:"code"`
	Language  string  `json:"language"`
	Distance  float64 `json:"distance"`
}

// IngestResult reports a completed ingest.
type IngestResult struct {
	RepoName   string `json:"repo_name"`
	ChunkCount int    `json:"chunk_count"`
}
