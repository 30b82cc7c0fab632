// Package resorank is an in-memory BM25F full-text index with segment-based
// proximity and phrase boosts. It backs the graph cache's full-text
// fallback when vector search is unavailable.
package resorank

// Config holds scoring parameters.
type Config struct {
	K1             float64            `json:"k1"`
	B              float64            `json:"b"`
	ProximityAlpha float64            `json:"proximityAlpha"`
	ProximityDecay float64            `json:"proximityDecayLambda"`
	PhraseBoost    float64            `json:"phraseBoost"`
	FieldWeights   map[string]float64 `json:"fieldWeights"`
}

// Field names used by the graph cache.
const (
	FieldName = "name"
	FieldBody = "body"
	FieldTags = "tags"
)

// DefaultConfig weights names above tags above body text, mirroring the
// relational index's bm25 column weights.
func DefaultConfig() Config {
	return Config{
		K1:             1.2,
		B:              0.75,
		ProximityAlpha: 0.5,
		ProximityDecay: 0.1,
		PhraseBoost:    1.5,
		FieldWeights: map[string]float64{
			FieldName: 10,
			FieldBody: 1,
			FieldTags: 3,
		},
	}
}

// fieldOccurrence tracks term hits in one field.
type fieldOccurrence struct {
	TF          int
	FieldLength int
}

// posting is one term's statistics within one document.
type posting struct {
	Fields      map[string]fieldOccurrence
	SegmentMask uint32
}

// document tracks document structure.
type document struct {
	Kind         string
	FieldLengths map[string]int
	TokenCount   int
	Segments     uint32
	Terms        []string
}

// Result is a scored match.
type Result struct {
	DocID string  `json:"docId"`
	Kind  string  `json:"kind,omitempty"`
	Score float64 `json:"score"`
}
