package textutil_test

import (
	"testing"

	"hansard/internal/textutil"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	a := textutil.NewFingerprint("Development Variance Permit 2023-44 Oak Street")
	if got := textutil.CosineSimilarity(a, a); got < 0.999 {
		t.Fatalf("self similarity should be ~1, got %f", got)
	}
}

func TestCosineSimilarityDisjoint(t *testing.T) {
	a := textutil.NewFingerprint("zoning amendment hearing")
	b := textutil.NewFingerprint("водоснабжение финансирование")
	if got := textutil.CosineSimilarity(a, b); got != 0 {
		t.Fatalf("disjoint texts should score 0, got %f", got)
	}
}

func TestCosineSimilarityNil(t *testing.T) {
	if got := textutil.CosineSimilarity(nil, textutil.NewFingerprint("anything else here")); got != 0 {
		t.Fatalf("nil fingerprint should score 0, got %f", got)
	}
}

func TestContains(t *testing.T) {
	window := textutil.NewFingerprint("next item is the development variance permit for oak street moved by councillor smith")
	heading := textutil.NewFingerprint("Development Variance Permit - Oak Street")
	if got := window.Contains(heading); got < 0.99 {
		t.Fatalf("heading fully contained in window, got %f", got)
	}
	unrelated := textutil.NewFingerprint("annual financial statements")
	if got := window.Contains(unrelated); got > 0.34 {
		t.Fatalf("unrelated heading should score low, got %f", got)
	}
}

func TestVectorCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}
	if got := textutil.VectorCosine(a, b); got < 0.999 {
		t.Fatalf("identical vectors should score 1, got %f", got)
	}
	if got := textutil.VectorCosine(a, c); got != 0 {
		t.Fatalf("orthogonal vectors should score 0, got %f", got)
	}
	if got := textutil.VectorCosine(a, []float32{1, 2}); got != 0 {
		t.Fatalf("dimension mismatch should score 0, got %f", got)
	}
}

func TestIDFWeighting(t *testing.T) {
	corpus := textutil.NewCorpus()
	common := textutil.NewFingerprint("council meeting minutes")
	rare := textutil.NewFingerprint("rezoning application willowbrook")
	corpus.Add(common)
	corpus.Add(common)
	corpus.Add(common)
	corpus.Add(rare)
	idf := corpus.IDF()
	if idf == nil {
		t.Fatal("expected IDF weights")
	}
	if idf["council"] >= idf["willowbrook"] {
		t.Fatalf("frequent terms should weigh less: council=%f willowbrook=%f", idf["council"], idf["willowbrook"])
	}
}
