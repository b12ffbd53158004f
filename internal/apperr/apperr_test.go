package apperr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same kind", New(NotFound, "repo %q", "x"), ErrNotFound, true},
		{"different kind", New(NotFound, "repo"), ErrNotReady, false},
		{"wrapped", fmt.Errorf("outer: %w", New(EmptyIndex, "nothing")), ErrEmptyIndex, true},
		{"fetch any reason", FetchFailed(ReasonNotFound, nil, "gone"), ErrFetch, true},
		{"fetch matching reason", FetchFailed(ReasonNotFound, nil, "gone"), &Error{Kind: Fetch, Reason: ReasonNotFound}, true},
		{"fetch other reason", FetchFailed(ReasonUnreachable, nil, "down"), &Error{Kind: Fetch, Reason: ReasonNotFound}, false},
		{"foreign error", io.EOF, ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(New(InvalidQuery, "empty")); got != InvalidQuery {
		t.Errorf("Expected %s, got %s", InvalidQuery, got)
	}
	if got := KindOf(fmt.Errorf("ctx: %w", New(NotReady, "busy"))); got != NotReady {
		t.Errorf("Expected %s, got %s", NotReady, got)
	}
	if got := KindOf(io.EOF); got != Internal {
		t.Errorf("Expected %s for foreign error, got %s", Internal, got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(Internal, io.ErrUnexpectedEOF, "read index %s", "a.idx")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected wrapped cause to be reachable")
	}
	if !strings.Contains(err.Error(), "read index a.idx") {
		t.Errorf("Expected detail in message, got %q", err.Error())
	}
	if DetailOf(err) != "read index a.idx" {
		t.Errorf("Expected detail 'read index a.idx', got %q", DetailOf(err))
	}
	if DetailOf(io.EOF) != "EOF" {
		t.Errorf("Expected foreign error text as detail, got %q", DetailOf(io.EOF))
	}
	if ReasonOf(FetchFailed(ReasonUnreachable, nil, "x")) != ReasonUnreachable {
		t.Errorf("Expected reason %q", ReasonUnreachable)
	}
}
