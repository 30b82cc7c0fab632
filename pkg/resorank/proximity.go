package resorank

import (
	"math"
	"math/bits"
)

// TermWithIDF helper for proximity
type TermWithIDF struct {
	Mask uint32
	IDF  float64
}

// IDFWeightedProximityMultiplier computes overlap boost weighted by IDF (rarer terms matter more)
func IDFWeightedProximityMultiplier(termData []TermWithIDF, alpha float64, maxSegs uint32, docLen int, avgDocLen float64, decayLambda float64, idfScale float64) float64 {
	if len(termData) < 2 || maxSegs == 0 {
		return 1.0
	}

	// Average IDF
	totalIDF := 0.0
	common := termData[0].Mask
	for _, t := range termData {
		totalIDF += t.IDF
		common &= t.Mask
	}
	avgIDF := totalIDF / float64(len(termData))

	overlapCount := bits.OnesCount32(common)
	maxPossible := uint32(len(termData))
	if maxPossible > maxSegs {
		maxPossible = maxSegs
	}

	baseMult := float64(overlapCount) / float64(maxPossible)
	idfBoost := 1.0 + avgIDF/idfScale

	lenRatio := 1.0
	if avgDocLen > 0 {
		lenRatio = float64(docLen) / avgDocLen
	}
	decay := math.Exp(-decayLambda * lenRatio)

	return 1.0 + alpha*baseMult*idfBoost*decay
}

// DetectPhraseMatch checks if terms appear in adjacent segments in strict order
func DetectPhraseMatch(queryTerms []string, docMasks map[string]uint32) bool {
	if len(queryTerms) < 2 {
		return false
	}

	for i := 0; i < len(queryTerms)-1; i++ {
		m1, ok1 := docMasks[queryTerms[i]]
		m2, ok2 := docMasks[queryTerms[i+1]]

		if !ok1 || !ok2 {
			return false
		}

		// segment 0 is the LSB; term i+1 must sit in the segment after term i
		// or share it
		if ((m1<<1)|m1)&m2 == 0 {
			return false
		}
	}
	return true
}
