package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target string
		limit  int
		offset int
	}{
		{"/", DefaultLimit, 0},
		{"/?limit=50&offset=10", 50, 10},
		{"/?limit=500", MaxLimit, 0},
		{"/?offset=-5", DefaultLimit, 0},
		{"/?limit=abc&offset=xyz", DefaultLimit, 0},
		{"/?limit=0", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(t, tt.target)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%s: expected limit=%d offset=%d, got limit=%d offset=%d",
				tt.target, tt.limit, tt.offset, p.Limit, p.Offset)
		}
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}
	if resp.NextOffset == nil || *resp.NextOffset != 2 {
		t.Errorf("expected next offset 2, got %v", resp.NextOffset)
	}

	last := NewResponse([]string{"e"}, 5, 2, 4)
	if last.HasMore {
		t.Error("expected HasMore to be false on last page")
	}
	if last.NextOffset != nil {
		t.Errorf("expected no next offset, got %d", *last.NextOffset)
	}
}
