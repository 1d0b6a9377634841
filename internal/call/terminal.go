package call

import (
	"time"

	"gorm.io/datatypes"
)

// TerminalUpdate carries the vendor-reported outcome applied when a call
// reaches completed or failed.
type TerminalUpdate struct {
	Status              string
	EndTime             time.Time
	TranscriptSummary   *string
	CallDurationSeconds *int
	CallCost            *float64
	CallSuccessful      *bool
	AnalysisData        datatypes.JSON
	MetadataBlob        datatypes.JSON
}

// buildTerminalUpdates computes the column updates for a terminal transition.
// Re-applying the same terminal status is a no-op: the completion webhook is
// delivered at-least-once and races with the reconciliation sweep, so the
// second writer must not double-apply side effects.
func buildTerminalUpdates(existing *Call, update TerminalUpdate) (map[string]any, bool) {
	if existing.IsTerminal() && existing.Status == update.Status {
		return nil, false
	}

	updates := map[string]any{
		"status":        update.Status,
		"call_end_time": update.EndTime,
	}

	if update.TranscriptSummary != nil {
		updates["transcript_summary"] = *update.TranscriptSummary
	}

	if update.CallDurationSeconds != nil {
		updates["call_duration_seconds"] = *update.CallDurationSeconds
	}

	if update.CallCost != nil {
		updates["call_cost"] = *update.CallCost
	}

	if update.CallSuccessful != nil {
		updates["call_successful"] = *update.CallSuccessful
	}

	if update.AnalysisData != nil {
		updates["analysis_data"] = update.AnalysisData
	}

	if update.MetadataBlob != nil {
		updates["metadata_blob"] = update.MetadataBlob
	}

	return updates, true
}

func applyTerminalUpdate(existing *Call, update TerminalUpdate) {
	existing.Status = update.Status
	endTime := update.EndTime
	existing.CallEndTime = &endTime

	if update.TranscriptSummary != nil {
		existing.TranscriptSummary = update.TranscriptSummary
	}

	if update.CallDurationSeconds != nil {
		existing.CallDurationSeconds = update.CallDurationSeconds
	}

	if update.CallCost != nil {
		existing.CallCost = update.CallCost
	}

	if update.CallSuccessful != nil {
		existing.CallSuccessful = update.CallSuccessful
	}

	if update.AnalysisData != nil {
		existing.AnalysisData = update.AnalysisData
	}

	if update.MetadataBlob != nil {
		existing.MetadataBlob = update.MetadataBlob
	}
}
