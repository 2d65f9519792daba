package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const weightTolerance = 1e-6

var errEmptyWeights = errors.New("newWeights is empty")

// ValidateWeights checks that every weight is in [0,1] and they sum to 1.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return errEmptyWeights
	}
	sum := 0.0
	for token, w := range weights {
		if token == "" {
			return errors.New("empty token symbol")
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return fmt.Errorf("weight for %s out of range: %v", token, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights sum to %v, want 1", sum)
	}
	return nil
}

// ComputeAdjustments returns the mint (positive) or burn (negative) amount per token
// that moves pre to the target weights while keeping the total supply. Tokens held
// but not named in weights target zero. Zero adjustments are omitted.
func ComputeAdjustments(pre map[string]int64, weights map[string]float64) (map[string]int64, error) {
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	var total int64
	for _, b := range pre {
		total += b
	}

	tokens := make(map[string]struct{}, len(pre)+len(weights))
	for t := range pre {
		tokens[t] = struct{}{}
	}
	for t := range weights {
		tokens[t] = struct{}{}
	}

	adj := make(map[string]int64)
	for t := range tokens {
		target := int64(math.Round(float64(total) * weights[t]))
		if d := target - pre[t]; d != 0 {
			adj[t] = d
		}
	}
	return adj, nil
}

// sortedTokens returns map keys in order, so side effects run deterministically.
func sortedTokens(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
