package anomaly

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rewired-gh/skysentry/internal/models"
)

const (
	summaryTopHigh   = 3
	summaryTopMedium = 2
)

// Summarize renders a plain-text overview of a region from its latest snapshot and the
// findings raised for it. A nil snapshot means the region has not been fetched yet.
func Summarize(region string, snap *models.Snapshot, findings []models.Finding, now time.Time) string {
	if snap == nil {
		return fmt.Sprintf("Region %s has not been fetched yet.", region)
	}

	var b strings.Builder
	total := len(snap.Aircraft)
	if total == 0 {
		fmt.Fprintf(&b, "Region %s currently has no active flights.", region)
	} else {
		fmt.Fprintf(&b, "Region %s currently has %s active flights.", region, humanize.Comma(int64(total)))
	}
	fmt.Fprintf(&b, " Data fetched %s.", humanize.RelTime(snap.FetchedAt, now, "ago", "from now"))
	if total == 0 {
		return b.String()
	}

	if len(findings) == 0 {
		b.WriteString(" All flights appear normal with no anomalies detected.")
		return b.String()
	}

	flagged := make(map[string]bool)
	for _, f := range findings {
		flagged[f.AircraftID] = true
	}
	fmt.Fprintf(&b, " %d flight(s) are flagged as anomalous.", len(flagged))

	ranked := make([]models.Finding, len(findings))
	copy(ranked, findings)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Severity.Rank() != ranked[j].Severity.Rank() {
			return ranked[i].Severity.Rank() > ranked[j].Severity.Rank()
		}
		if !ranked[i].DetectedAt.Equal(ranked[j].DetectedAt) {
			return ranked[i].DetectedAt.After(ranked[j].DetectedAt)
		}
		return ranked[i].Rule.Order() < ranked[j].Rule.Order()
	})

	var high, medium []models.Finding
	for _, f := range ranked {
		switch f.Severity {
		case models.SeverityHigh:
			high = append(high, f)
		case models.SeverityMedium:
			medium = append(medium, f)
		}
	}

	if len(high) > 0 {
		fmt.Fprintf(&b, "\n\nCRITICAL ALERTS (%d):", len(high))
		for _, f := range high[:min(len(high), summaryTopHigh)] {
			fmt.Fprintf(&b, "\n  - %s: %s", findingLabel(f), f.Description)
		}
	}
	if len(medium) > 0 {
		fmt.Fprintf(&b, "\n\nMedium Priority (%d):", len(medium))
		for _, f := range medium[:min(len(medium), summaryTopMedium)] {
			fmt.Fprintf(&b, "\n  - %s: %s", findingLabel(f), f.Description)
		}
	}

	if len(high) > 0 {
		top := high[0]
		position := "unknown"
		if sv, ok := snap.Find(top.AircraftID); ok && sv.Latitude != nil && sv.Longitude != nil {
			position = fmt.Sprintf("%.4f, %.4f", *sv.Latitude, *sv.Longitude)
		}
		fmt.Fprintf(&b, "\n\nMOST CRITICAL: %s requires immediate attention. Last position: %s", findingLabel(top), position)
	}
	return b.String()
}

func findingLabel(f models.Finding) string {
	if f.Callsign != "" {
		return f.Callsign
	}
	return f.AircraftID
}
