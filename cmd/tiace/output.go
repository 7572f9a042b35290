package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"tiace/internal/domain/models"
	"tiace/internal/domain/services"
	"tiace/internal/sources/presets"
)

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	return table
}

func writeIndicators(w io.Writer, inds []*models.Indicator) {
	table := newTable(w, "Kind", "Value", "Severity", "Confidence", "Last Seen", "Feeds", "Tags")
	for _, ind := range inds {
		table.Append([]string{
			string(ind.Kind),
			ind.Value,
			string(ind.Severity),
			strconv.FormatFloat(ind.Confidence, 'f', 2, 64),
			ind.LastSeen.Format(time.RFC3339),
			strings.Join(ind.SourceFeeds, " "),
			strings.Join(ind.Tags, " "),
		})
	}
	table.Render()
}

func writeHunt(w io.Writer, res *services.HuntResult) {
	table := newTable(w, "Depth", "Entity", "Value", "Via", "Cluster")
	for _, hit := range res.Hits {
		value := hit.Entity.ID.String()
		switch {
		case hit.Indicator != nil:
			value = hit.Indicator.Value
		case hit.Actor != nil:
			value = hit.Actor.Name
		}
		via := ""
		if n := len(hit.Path); n > 0 {
			via = string(hit.Path[n-1].Type)
		}
		cluster := ""
		if hit.ClusterID != nil {
			cluster = hit.ClusterID.String()[:8]
		}
		table.Append([]string{strconv.Itoa(hit.Depth), string(hit.Entity.Kind), value, via, cluster})
	}
	table.Render()
	if res.Truncated {
		fmt.Fprintln(w, "results truncated")
	}
}

func writeJobs(w io.Writer, jobs []*models.SyncJob) {
	table := newTable(w, "Feed", "Status", "Imported", "Updated", "Skipped", "Errored", "Duration", "Reason")
	for _, j := range jobs {
		table.Append([]string{
			j.FeedID,
			string(j.Status),
			strconv.Itoa(j.Imported),
			strconv.Itoa(j.Updated),
			strconv.Itoa(j.Skipped),
			strconv.Itoa(j.Errored),
			j.Duration().Round(time.Millisecond).String(),
			j.Reason,
		})
	}
	table.Render()
}

func writeFeeds(w io.Writer, feeds []*models.FeedConfiguration, states []models.FeedState) {
	table := newTable(w, "ID", "Type", "Format", "Enabled", "Phase", "Failures", "Next Due", "Last Error")
	for i, f := range feeds {
		st := states[i]
		next := ""
		if !st.NextDue.IsZero() {
			next = st.NextDue.Format(time.RFC3339)
		}
		table.Append([]string{
			f.ID,
			string(f.Type),
			string(f.Format),
			strconv.FormatBool(f.Enabled),
			string(st.Phase),
			strconv.Itoa(st.ConsecutiveFailures),
			next,
			st.LastError,
		})
	}
	table.Render()
}

func writePresets(w io.Writer, list []presets.Preset) {
	table := newTable(w, "Name", "Description", "Credential")
	for _, p := range list {
		cred := ""
		if p.KeyEnv != "" {
			cred = "$" + p.KeyEnv
		}
		table.Append([]string{p.Name, p.Description, cred})
	}
	table.Render()
}
