package probe

import "math"

// ComputeAggregateStats summarizes the experimental probes of a suite.
// Control probes are excluded. An empty experimental set yields an empty
// mapping rather than zeroed fields.
func ComputeAggregateStats(results []ProbeResult) map[string]any {
	experimental := filterExperimental(results)
	if len(experimental) == 0 {
		return map[string]any{}
	}

	total := len(experimental)
	distribution := map[string]int{}
	// encounter order breaks ties for the most common outcome
	order := []string{}
	confidenceSum := 0.0
	fallbackCount := 0
	uncertaintyCount := 0
	for _, result := range experimental {
		outcome := string(result.OutcomeType)
		if _, seen := distribution[outcome]; !seen {
			order = append(order, outcome)
		}
		distribution[outcome]++
		confidenceSum += result.OutcomeConfidence
		if result.StructuredFields.FallbackUsed {
			fallbackCount++
		}
		if len(result.StructuredFields.UncertaintyMarkers) > 0 {
			uncertaintyCount++
		}
	}

	mostCommon := ""
	maxCount := 0
	for _, outcome := range order {
		if distribution[outcome] > maxCount {
			mostCommon = outcome
			maxCount = distribution[outcome]
		}
	}

	n := float64(total)
	return map[string]any{
		"total_probes":         total,
		"outcome_distribution": distribution,
		"most_common_outcome":  mostCommon,
		"avg_confidence":       round3(confidenceSum / n),
		"fallback_rate":        round3(float64(fallbackCount) / n),
		"uncertainty_rate":     round3(float64(uncertaintyCount) / n),
		"stability_score":      round3(float64(maxCount) / n),
		"unique_outcomes":      len(distribution),
	}
}

// ComputeDeltaVsControl compares the experimental probes against the control
// baseline. Missing inputs report available:false with a reason instead of
// erroring.
func ComputeDeltaVsControl(results []ProbeResult, control *ProbeResult) map[string]any {
	if control == nil || len(results) == 0 {
		return map[string]any{
			"available": false,
			"reason":    "No control probe or no experimental probes",
		}
	}
	experimental := filterExperimental(results)
	if len(experimental) == 0 {
		return map[string]any{
			"available": false,
			"reason":    "No experimental probes to compare",
		}
	}

	n := float64(len(experimental))
	distribution := map[string]int{}
	confidenceSum := 0.0
	fallbackCount := 0
	mappingSum := 0.0
	uncertaintySum := 0.0
	for _, result := range experimental {
		distribution[string(result.OutcomeType)]++
		confidenceSum += result.OutcomeConfidence
		if result.StructuredFields.FallbackUsed {
			fallbackCount++
		}
		mappingSum += float64(len(result.StructuredFields.MappingEvidence))
		uncertaintySum += float64(len(result.StructuredFields.UncertaintyMarkers))
	}

	controlFallback := 0.0
	if control.StructuredFields.FallbackUsed {
		controlFallback = 1.0
	}

	deltaConfidence := round3(confidenceSum/n - control.OutcomeConfidence)
	deltaFallbackRate := round3(float64(fallbackCount)/n - controlFallback)
	deltaMappingDensity := round3(mappingSum/n - float64(len(control.StructuredFields.MappingEvidence)))
	deltaUncertaintyDensity := round3(uncertaintySum/n - float64(len(control.StructuredFields.UncertaintyMarkers)))

	divergence := 0.0
	matchingControl := distribution[string(control.OutcomeType)]
	if matchingControl < len(experimental) {
		divergence += (n - float64(matchingControl)) / n * 0.4
	}
	divergence += math.Abs(deltaConfidence) * 0.2
	divergence += math.Abs(deltaFallbackRate) * 0.2
	divergence += math.Min(1, math.Abs(deltaUncertaintyDensity)/3) * 0.2

	return map[string]any{
		"available":                 true,
		"control_outcome":           string(control.OutcomeType),
		"control_confidence":        control.OutcomeConfidence,
		"experimental_count":        len(experimental),
		"outcome_distribution":      distribution,
		"delta_confidence":          deltaConfidence,
		"delta_fallback_rate":       deltaFallbackRate,
		"delta_mapping_density":     deltaMappingDensity,
		"delta_uncertainty_density": deltaUncertaintyDensity,
		"divergence_score":          round3(divergence),
	}
}

func filterExperimental(results []ProbeResult) []ProbeResult {
	experimental := make([]ProbeResult, 0, len(results))
	for _, result := range results {
		if !result.IsControl {
			experimental = append(experimental, result)
		}
	}
	return experimental
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
