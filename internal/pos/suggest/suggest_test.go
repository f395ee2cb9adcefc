package suggest_test

import (
	"testing"

	"github.com/MrWong99/posvoice/internal/pos/suggest"
)

var catalogue = []string{
	"iPhone 15 Pro Max",
	"Samsung Galaxy S24 Ultra",
	"MacBook Air M3",
	"Tai nghe AirPods Pro 2",
	"Sạc dự phòng Anker",
}

func TestSuggest(t *testing.T) {
	t.Parallel()

	s := suggest.New()
	tests := []struct {
		query  string
		want   string
		wantOK bool
	}{
		{"airpod", "Tai nghe AirPods Pro 2", true},
		{"samsun galaxi", "Samsung Galaxy S24 Ultra", true},
		{"macbok", "MacBook Air M3", true},
		{"", "", false},
		{"zzzzzz", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			t.Parallel()
			got, score, ok := s.Suggest(tc.query, catalogue)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("Suggest(%q) = (%q, %.2f, %v); want (%q, %v)", tc.query, got, score, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestSuggest_EmptyCatalogue(t *testing.T) {
	t.Parallel()

	if _, _, ok := suggest.New().Suggest("airpods", nil); ok {
		t.Error("expected no suggestion for empty catalogue")
	}
}

func TestWithThresholds_Strict(t *testing.T) {
	t.Parallel()

	s := suggest.New(suggest.WithThresholds(1.01, 1.01))
	if _, _, ok := s.Suggest("macbok", catalogue); ok {
		t.Error("impossible thresholds should reject everything")
	}
}
