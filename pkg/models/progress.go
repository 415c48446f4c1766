package models

// Pipeline stages reported through the progress store.
const (
	StageHeaders        = "headers"
	StageIngestion      = "ingestion"
	StageReconciliation = "reconciliation"
	StageConsolidation  = "consolidation"
	StageAnomalies      = "anomalies"
	StageDone           = "done"
	StageFailed         = "failed"
)

// Progress is the polling snapshot of a long-running file or closure job.
type Progress struct {
	Stage          string `json:"stage"`
	Percent        int    `json:"percent"`
	ProcessedCount int    `json:"processed_count"`
	Message        string `json:"message,omitempty"`
}

// Percent computes an integer percentage clamped to 0..100.
func Percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := current * 100 / total
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
