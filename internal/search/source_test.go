package search

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBySource(t *testing.T) {
	s := New(openPopulated(t), Options{})
	ctx := context.Background()

	gh, err := s.BySource(ctx, SourceGitHub, "validation", Filter{Status: "open"})
	if err != nil {
		t.Fatalf("BySource(github): %v", err)
	}
	if len(gh) != 1 || !strings.Contains(gh[0].URL, "issues/1") {
		t.Errorf("github results = %+v, want issue 1", gh)
	}

	papers, err := s.BySource(ctx, SourcePapers, "HED", Filter{Limit: 5})
	if err != nil {
		t.Fatalf("BySource(papers): %v", err)
	}
	if len(papers) == 0 {
		t.Error("papers: no results")
	}

	if _, err := s.BySource(ctx, "wiki", "HED", Filter{}); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("BySource(wiki) error = %v, want ErrUnknownSource", err)
	}
}

func TestBySourceBEPs(t *testing.T) {
	s := openBEPs(t)

	got, err := s.BySource(context.Background(), SourceBEPs, "BEP004", Filter{})
	if err != nil {
		t.Fatalf("BySource(beps): %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("results = %+v, want one", got)
	}
	r := got[0]
	if r.Title != "BEP004: Susceptibility Weighted Imaging" {
		t.Errorf("Title = %q", r.Title)
	}
	// No PR or preview: the Google Doc is the only link.
	if !strings.HasPrefix(r.URL, "https://docs.google.com/") {
		t.Errorf("URL = %q, want the Google Doc", r.URL)
	}
	if r.Source != SourceBEPs || r.Status != "draft" {
		t.Errorf("Source/Status = %q/%q", r.Source, r.Status)
	}
}
