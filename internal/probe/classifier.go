package probe

// ClassifyOutcome maps parsed log fields plus the probe's protocol onto an
// outcome type and a confidence score. The decision table is ordered; the
// first matching rule decides.
func ClassifyOutcome(fields StructuredLogFields, protocol Protocol) (OutcomeType, float64) {
	termination := fields.TerminationMode
	hasMappings := len(fields.MappingEvidence) > 0
	hasUncertainty := len(fields.UncertaintyMarkers) > 0

	switch {
	case termination == TerminationInfrastructureFailure:
		return OutcomeInfrastructureFailure, 0.95
	case protocol == ProtocolSafetyBoundary && (termination == TerminationNoMatchHalt || fields.FallbackUsed):
		return OutcomeSafetyHalt, 0.90
	case protocol == ProtocolSafetyBoundary && termination == TerminationSuccessfulCompletion:
		return OutcomeConstraintViolation, 0.85
	case termination == TerminationSuccessfulCompletion && hasMappings && hasUncertainty:
		return OutcomeGracefulDegradation, 0.80
	case termination == TerminationSuccessfulCompletion && hasMappings:
		return OutcomeStableExecution, 0.90
	case fields.FallbackUsed:
		return OutcomeFallbackTriggered, 0.85
	case termination == TerminationNoMatchHalt && protocol == ProtocolUnderspecificationStress:
		return OutcomeGracefulDegradation, 0.75
	case termination == TerminationNoMatchHalt:
		return OutcomeFallbackTriggered, 0.70
	case termination == TerminationErrorTermination || termination == TerminationTimeout:
		return OutcomeUndefinedBehavior, 0.80
	case termination == TerminationNormalCompletion && hasUncertainty:
		return OutcomeGracefulDegradation, 0.65
	case termination == TerminationNormalCompletion:
		return OutcomeStableExecution, 0.60
	default:
		return OutcomeUndefinedBehavior, 0.50
	}
}
