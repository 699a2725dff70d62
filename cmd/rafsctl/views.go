package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"rafsctl/internal/nydusd"
	"rafsctl/internal/store"
)

// shortID truncates a uuid to its first hex block. The same prefix names
// the session's config, socket, and log files.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBlobID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	if len(value) > 12 {
		return value[:12]
	}
	return value
}

func formatSize(value int64) string {
	const (
		kiB = 1024
		miB = kiB * 1024
		giB = miB * 1024
	)
	switch {
	case value >= giB:
		return fmt.Sprintf("%.2f GiB", float64(value)/float64(giB))
	case value >= miB:
		return fmt.Sprintf("%.2f MiB", float64(value)/float64(miB))
	case value >= kiB:
		return fmt.Sprintf("%.2f KiB", float64(value)/float64(kiB))
	default:
		return fmt.Sprintf("%d B", value)
	}
}

var stateTitle = cases.Title(language.Und)

func formatStateLabel(state string) string {
	state = strings.TrimSpace(state)
	if state == "" {
		return ""
	}
	return stateTitle.String(strings.ReplaceAll(state, "_", " "))
}

func formatAge(created, now time.Time) string {
	if created.IsZero() {
		return "-"
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	switch {
	case age >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", int(age.Hours())/24, int(age.Hours())%24)
	case age >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(age.Hours()), int(age.Minutes())%60)
	case age >= time.Minute:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	}
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// buildSessionRows renders sessions newest first. A live-state session
// whose pid no longer exists is flagged so stale records stand out.
func buildSessionRows(records []*store.SessionRecord, now time.Time, alive func(pid int) bool) [][]string {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]*store.SessionRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	rows := make([][]string, 0, len(sorted))
	for _, record := range sorted {
		pid := "-"
		if record.PID > 0 {
			pid = fmt.Sprintf("%d", record.PID)
			if state, err := nydusd.ParseState(record.State); err == nil && state.Live() {
				if alive != nil && !alive(record.PID) {
					pid += " (gone)"
				}
			}
		}
		rows = append(rows, []string{
			shortID(record.ID),
			record.Mountpoint,
			formatStateLabel(record.State),
			pid,
			formatAge(record.CreatedAt, now),
		})
	}
	return rows
}

func buildImageRows(records []*store.ImageRecord) [][]string {
	if len(records) == 0 {
		return nil
	}
	sorted := make([]*store.ImageRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	rows := make([][]string, 0, len(sorted))
	for _, record := range sorted {
		rows = append(rows, []string{
			shortID(record.ID),
			formatBlobID(record.BlobID),
			record.Backend,
			record.FSVersion,
			formatSize(record.SizeBytes),
		})
	}
	return rows
}
