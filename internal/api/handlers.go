package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/pkg/models"
)

const maxBodyBytes = 1 << 20

type ingestRequest struct {
	URL string `json:"url"`
}

type queryRequest struct {
	RepoName string `json:"repo_name"`
	Query    string `json:"query"`
	// TopK is optional; an explicit zero is rejected.
	TopK *int `json:"top_k,omitempty"`
}

type queryResponse struct {
	Results []models.QueryResult `json:"results"`
}

type repoStatus struct {
	Name       string    `json:"name"`
	SourceURL  string    `json:"source_url"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
	Ready      bool      `json:"ready"`
	Ingesting  bool      `json:"ingesting"`
}

type reposResponse struct {
	Repos []repoStatus `json:"repos"`
}

type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.InvalidSource, err, "invalid request body"))
		return
	}
	hlog.FromRequest(r).Debug().Str("url", req.URL).Msg("ingest request")
	res, err := s.ingester.Ingest(r.Context(), req.URL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decode(w, r, &req); err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.InvalidQuery, err, "invalid request body"))
		return
	}
	k := search.DefaultTopK
	if req.TopK != nil {
		k = *req.TopK
	}

	ctx := r.Context()
	if s.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.QueryTimeout)
		defer cancel()
	}
	res, err := s.querier.Query(ctx, req.RepoName, req.Query, k)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if res == nil {
		res = []models.QueryResult{}
	}
	hlog.FromRequest(r).Debug().Str("repo", req.RepoName).Int("k", k).Int("results", len(res)).Msg("served query")
	s.respondJSON(w, http.StatusOK, queryResponse{Results: res})
}

func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	list := s.repos.List()
	out := reposResponse{Repos: make([]repoStatus, 0, len(list))}
	for _, st := range list {
		out.Repos = append(out.Repos, repoStatus{
			Name:       st.Repo.Name,
			SourceURL:  st.Repo.SourceURL,
			ChunkCount: st.Repo.ChunkCount,
			IndexedAt:  st.Repo.IndexedAt,
			Ready:      st.Ready,
			Ingesting:  st.Ingesting,
		})
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// statusFor maps an error to its HTTP status and public kind.
// statusClientClosed is the nginx convention for a request the client gave
// up on.
const statusClientClosed = 499

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosed, "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	switch apperr.KindOf(err) {
	case apperr.InvalidSource:
		return http.StatusBadRequest, string(apperr.InvalidSource)
	case apperr.Fetch:
		if apperr.ReasonOf(err) == apperr.ReasonNotFound {
			return http.StatusNotFound, "source_not_found"
		}
		return http.StatusBadGateway, "source_unreachable"
	case apperr.EmptyIndex:
		return http.StatusUnprocessableEntity, string(apperr.EmptyIndex)
	case apperr.NotFound:
		return http.StatusNotFound, string(apperr.NotFound)
	case apperr.NotReady:
		return http.StatusConflict, string(apperr.NotReady)
	case apperr.InvalidQuery:
		return http.StatusBadRequest, string(apperr.InvalidQuery)
	case apperr.Embedding:
		return http.StatusInternalServerError, string(apperr.Embedding)
	default:
		return http.StatusInternalServerError, string(apperr.Internal)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	level := zerolog.WarnLevel
	if status >= http.StatusInternalServerError {
		level = zerolog.ErrorLevel
	}
	hlog.FromRequest(r).WithLevel(level).Err(err).Int("status", status).Str("kind", kind).Msg("request failed")

	if status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	s.respondJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Detail: apperr.DetailOf(err)}})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}
