package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestBuildTerminalUpdatesAppliesFields(t *testing.T) {
	endTime := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	summary := "driver acknowledged the violation"
	duration := 42
	cost := 0.75
	successful := true

	existing := &Call{
		CallID: "EL_1_100",
		Status: StatusInProgress,
	}

	updates, apply := buildTerminalUpdates(existing, TerminalUpdate{
		Status:              StatusCompleted,
		EndTime:             endTime,
		TranscriptSummary:   &summary,
		CallDurationSeconds: &duration,
		CallCost:            &cost,
		CallSuccessful:      &successful,
		AnalysisData:        datatypes.JSON(`{"call_successful":"success"}`),
	})

	require.True(t, apply)
	require.Equal(t, StatusCompleted, updates["status"])
	require.Equal(t, endTime, updates["call_end_time"])
	require.Equal(t, summary, updates["transcript_summary"])
	require.Equal(t, duration, updates["call_duration_seconds"])
	require.Equal(t, cost, updates["call_cost"])
	require.Equal(t, successful, updates["call_successful"])
	require.Contains(t, updates, "analysis_data")
	require.NotContains(t, updates, "metadata_blob")
}

func TestBuildTerminalUpdatesSkipsNilFields(t *testing.T) {
	existing := &Call{
		CallID: "EL_1_101",
		Status: StatusInProgress,
	}

	updates, apply := buildTerminalUpdates(existing, TerminalUpdate{
		Status:  StatusFailed,
		EndTime: time.Now().UTC(),
	})

	require.True(t, apply)
	require.Len(t, updates, 2)
	require.Equal(t, StatusFailed, updates["status"])
}

func TestBuildTerminalUpdatesSameTerminalStatusIsNoOp(t *testing.T) {
	existing := &Call{
		CallID: "EL_1_102",
		Status: StatusCompleted,
	}

	updates, apply := buildTerminalUpdates(existing, TerminalUpdate{
		Status:  StatusCompleted,
		EndTime: time.Now().UTC(),
	})

	require.False(t, apply)
	require.Nil(t, updates)
}

func TestApplyTerminalUpdateMutatesCall(t *testing.T) {
	endTime := time.Date(2025, 8, 1, 12, 5, 0, 0, time.UTC)
	duration := 7

	existing := &Call{
		CallID: "EL_1_103",
		Status: StatusInProgress,
	}

	applyTerminalUpdate(existing, TerminalUpdate{
		Status:              StatusFailed,
		EndTime:             endTime,
		CallDurationSeconds: &duration,
	})

	require.Equal(t, StatusFailed, existing.Status)
	require.NotNil(t, existing.CallEndTime)
	require.Equal(t, endTime, *existing.CallEndTime)
	require.NotNil(t, existing.CallDurationSeconds)
	require.Equal(t, duration, *existing.CallDurationSeconds)
	require.Nil(t, existing.TranscriptSummary)
	require.True(t, existing.IsTerminal())
}
