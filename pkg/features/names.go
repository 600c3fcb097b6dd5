package features

import (
	"fmt"

	"github.com/flowsense/cyclecore/pkg/types"
)

// Name returns a human-readable label for a schema-v1 feature index,
// used for contributing-factor reporting.
func Name(i int) string {
	switch {
	case i >= IdxSymptomBase && i < IdxBioBase:
		s := (i - IdxSymptomBase) / symptomStride
		field := "frequency"
		if (i-IdxSymptomBase)%symptomStride == 1 {
			field = "severity"
		}
		return fmt.Sprintf("symptom_%s_%s", types.SymptomTypes[s], field)
	case i >= IdxBioBase && i < IdxDaysSinceLog:
		m := (i - IdxBioBase) / bioStride
		fields := [bioStride]string{"current", "mean_30d", "slope_30d"}
		return fmt.Sprintf("%s_%s", types.BiometricMetrics[m], fields[(i-IdxBioBase)%bioStride])
	}

	switch i {
	case IdxMeanLength:
		return "cycle_length_mean"
	case IdxStdLength:
		return "cycle_length_std"
	case IdxMinLength:
		return "cycle_length_min"
	case IdxMaxLength:
		return "cycle_length_max"
	case IdxMedianLength:
		return "cycle_length_median"
	case IdxLengthSlope:
		return "cycle_length_trend"
	case IdxMeanFlow:
		return "flow_intensity_mean"
	case IdxCycleCount:
		return "cycle_count"
	case IdxLastLength:
		return "last_cycle_length"
	case IdxPrevLength:
		return "previous_cycle_length"
	case IdxMeanPeriodDays:
		return "period_duration_mean"
	case IdxIrregularity:
		return "cycle_irregularity"
	case IdxCycleDay:
		return "cycle_day"
	case IdxCycleDaySin:
		return "cycle_phase_sin"
	case IdxCycleDayCos:
		return "cycle_phase_cos"
	case IdxMonthSin:
		return "month_sin"
	case IdxMonthCos:
		return "month_cos"
	case IdxSeason:
		return "season"
	case IdxDaysSinceLog:
		return "days_since_last_log"
	case IdxCompleteness:
		return "data_completeness"
	}
	return fmt.Sprintf("feature_%d", i)
}
