package staging

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

var exportHeader = []string{"sessionId", "account", "newCount", "staged", "applied", "removed", "savingsCount", "importedAt"}

// ExportSessionsCSV writes the audit export of the given sessions.
func ExportSessionsCSV(w io.Writer, views []SessionView) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}
	for _, v := range views {
		record := []string{
			v.SessionID,
			v.AccountNumber,
			strconv.Itoa(v.NewCount),
			strconv.Itoa(v.Staged),
			strconv.Itoa(v.Applied),
			strconv.Itoa(v.Removed),
			strconv.Itoa(v.SavingsCount),
			v.ImportedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write session %s: %w", v.SessionID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FilterSessions keeps the views whose id is in ids; an empty ids keeps all.
func FilterSessions(views []SessionView, ids []string) []SessionView {
	if len(ids) == 0 {
		return views
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]SessionView, 0, len(ids))
	for _, v := range views {
		if _, ok := want[v.SessionID]; ok {
			out = append(out, v)
		}
	}
	return out
}
