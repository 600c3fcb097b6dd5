package features

// SchemaVersion is the current feature schema. Bumping it invalidates
// every cached vector and sequence-model hidden-state snapshot.
const SchemaVersion = 1

// Dim is the fixed vector length for schema version 1
const Dim = 44

// Feature indices, schema version 1. Order is load-bearing: the offline
// model artifacts are trained against exactly this layout.
const (
	IdxMeanLength = iota // mean completed-cycle length, days, last 12 cycles
	IdxStdLength
	IdxMinLength
	IdxMaxLength
	IdxMedianLength
	IdxLengthSlope // per-cycle trend of length, days/cycle
	IdxMeanFlow
	IdxCycleCount // completed cycles used, capped at 12, scaled /12
	IdxLastLength
	IdxPrevLength
	IdxMeanPeriodDays // mean bleeding duration
	IdxIrregularity   // coefficient of variation of length

	IdxCycleDay // current day of cycle, scaled /35
	IdxCycleDaySin
	IdxCycleDayCos
	IdxMonthSin
	IdxMonthCos
	IdxSeason // 0..3 scaled /3

	IdxSymptomBase = 18 // 6 symptom groups x (freq/day over 30d, mean severity /10)
	IdxBioBase     = 30 // 4 biometric streams x (current, 30d mean, 30d slope/day)

	IdxDaysSinceLog  = 42 // days since most recent log of any kind, /30, capped 1
	IdxCompleteness  = 43 // fraction of schema fields observed (not imputed)
)

// symptomStride is the per-symptom field count in the symptom block
const symptomStride = 2

// bioStride is the per-metric field count in the biometric block
const bioStride = 3

// maxHistoryCycles bounds how far back cycle statistics look
const maxHistoryCycles = 12
