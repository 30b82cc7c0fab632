package resorank

import (
	"sort"
	"sync"
)

// fieldOrder fixes the token stream order used for segment masks.
var fieldOrder = []string{FieldName, FieldTags, FieldBody}

// Index is a concurrent-safe BM25F index.
type Index struct {
	mu     sync.RWMutex
	config Config

	docs     map[string]*document
	postings map[string]map[string]posting // term -> docID -> posting

	avgDocLen   float64
	avgFieldLen map[string]float64
	statsDirty  bool
}

// NewIndex creates an empty index.
func NewIndex(config Config) *Index {
	return &Index{
		config:      config,
		docs:        make(map[string]*document),
		postings:    make(map[string]map[string]posting),
		avgFieldLen: make(map[string]float64),
	}
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Add indexes (or re-indexes) docID with the given field texts.
func (ix *Index) Add(docID, kind string, fields map[string]string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(docID)

	type tok struct {
		term  string
		field string
	}
	var stream []tok
	lengths := make(map[string]int, len(fields))
	for _, f := range orderedFields(fields) {
		terms := Tokenize(fields[f])
		lengths[f] = len(terms)
		for _, t := range terms {
			stream = append(stream, tok{term: t, field: f})
		}
	}

	segs := AdaptiveSegmentCount(len(stream), 50)
	doc := &document{Kind: kind, FieldLengths: lengths, TokenCount: len(stream), Segments: segs}
	local := make(map[string]posting)
	for i, t := range stream {
		p, ok := local[t.term]
		if !ok {
			p = posting{Fields: make(map[string]fieldOccurrence)}
			doc.Terms = append(doc.Terms, t.term)
		}
		occ := p.Fields[t.field]
		occ.TF++
		occ.FieldLength = lengths[t.field]
		p.Fields[t.field] = occ
		p.SegmentMask |= 1 << (uint32(i) * segs / uint32(len(stream)))
		local[t.term] = p
	}

	for term, p := range local {
		if ix.postings[term] == nil {
			ix.postings[term] = make(map[string]posting)
		}
		ix.postings[term][docID] = p
	}
	ix.docs[docID] = doc
	ix.statsDirty = true
}

// Remove drops docID from the index.
func (ix *Index) Remove(docID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.removeLocked(docID)
}

func (ix *Index) removeLocked(docID string) bool {
	doc, ok := ix.docs[docID]
	if !ok {
		return false
	}
	for _, term := range doc.Terms {
		delete(ix.postings[term], docID)
		if len(ix.postings[term]) == 0 {
			delete(ix.postings, term)
		}
	}
	delete(ix.docs, docID)
	ix.statsDirty = true
	return true
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs = make(map[string]*document)
	ix.postings = make(map[string]map[string]posting)
	ix.avgFieldLen = make(map[string]float64)
	ix.avgDocLen = 0
	ix.statsDirty = false
}

// Search tokenizes query and returns up to limit matches, best first,
// optionally restricted to kinds.
func (ix *Index) Search(query string, limit int, kinds ...string) []Result {
	terms := dedupe(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}

	ix.mu.Lock()
	ix.refreshStatsLocked()
	ix.mu.Unlock()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	allow := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allow[k] = true
	}

	candidates := make(map[string]bool)
	for _, term := range terms {
		for docID := range ix.postings[term] {
			candidates[docID] = true
		}
	}

	var results []Result
	for docID := range candidates {
		doc := ix.docs[docID]
		if len(allow) > 0 && !allow[doc.Kind] {
			continue
		}
		if score := ix.scoreLocked(terms, docID, doc); score > 0 {
			results = append(results, Result{DocID: docID, Kind: doc.Kind, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (ix *Index) refreshStatsLocked() {
	if !ix.statsDirty {
		return
	}
	total := 0
	sums := make(map[string]int)
	for _, d := range ix.docs {
		total += d.TokenCount
		for f, n := range d.FieldLengths {
			sums[f] += n
		}
	}
	ix.avgFieldLen = make(map[string]float64, len(sums))
	if n := len(ix.docs); n > 0 {
		ix.avgDocLen = float64(total) / float64(n)
		for f, s := range sums {
			ix.avgFieldLen[f] = float64(s) / float64(n)
		}
	} else {
		ix.avgDocLen = 0
	}
	ix.statsDirty = false
}

func (ix *Index) scoreLocked(terms []string, docID string, doc *document) float64 {
	total := 0.0
	var termData []TermWithIDF
	masks := make(map[string]uint32)

	for _, term := range terms {
		p, ok := ix.postings[term][docID]
		if !ok {
			continue
		}
		idf := CalculateIDF(float64(len(ix.docs)), len(ix.postings[term]))
		total += idf * Saturate(ix.weightedFreq(p), ix.config.K1)
		termData = append(termData, TermWithIDF{Mask: p.SegmentMask, IDF: idf})
		masks[term] = p.SegmentMask
	}

	total *= IDFWeightedProximityMultiplier(
		termData,
		ix.config.ProximityAlpha,
		doc.Segments,
		doc.TokenCount,
		ix.avgDocLen,
		ix.config.ProximityDecay,
		5.0,
	)
	if len(terms) > 1 && ix.config.PhraseBoost > 0 && DetectPhraseMatch(terms, masks) {
		total *= ix.config.PhraseBoost
	}
	return total
}

func (ix *Index) weightedFreq(p posting) float64 {
	sum := 0.0
	for field, occ := range p.Fields {
		weight, ok := ix.config.FieldWeights[field]
		if !ok {
			weight = 1
		}
		avg := ix.avgFieldLen[field]
		if avg == 0 {
			avg = float64(occ.FieldLength)
		}
		sum += weight * NormalizedTermFrequency(occ.TF, occ.FieldLength, avg, ix.config.B)
	}
	return sum
}

func orderedFields(fields map[string]string) []string {
	out := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fieldOrder))
	for _, f := range fieldOrder {
		if _, ok := fields[f]; ok {
			out = append(out, f)
			seen[f] = true
		}
	}
	var rest []string
	for f := range fields {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
