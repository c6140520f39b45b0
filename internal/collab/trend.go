package collab

import "context"

// Trend directions.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
	TrendUnknown   = "unknown"
)

// ComputeTrend derives a capacity trend from a certificate history ordered
// oldest first. Fewer than two certificates gives an unknown direction.
func ComputeTrend(caseID string, history []Certificate) CapacityTrend {
	trend := CapacityTrend{
		CaseID:          caseID,
		Direction:       TrendUnknown,
		CertificateSpan: len(history),
	}
	if len(history) == 0 {
		return trend
	}
	latest := history[len(history)-1]
	trend.LatestCapacity = latest.CapacityPercent
	if len(history) < 2 {
		return trend
	}

	previous := history[len(history)-2]
	switch {
	case latest.CapacityPercent > previous.CapacityPercent:
		trend.Direction = TrendImproving
	case latest.CapacityPercent < previous.CapacityPercent:
		trend.Direction = TrendDeclining
	default:
		trend.Direction = TrendStable
	}
	return trend
}

// TrendFor loads a case's certificate history and computes its trend.
func TrendFor(ctx context.Context, certs CertificateStore, caseID string) (CapacityTrend, error) {
	history, err := certs.History(ctx, caseID)
	if err != nil {
		return CapacityTrend{}, err
	}
	return ComputeTrend(caseID, history), nil
}
