package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"agentrelay/internal/agents"
	"agentrelay/internal/feed"
	"agentrelay/internal/pipeline"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// statusCmd renders the shared agent status document
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the shared agent status",
	RunE:  showStatus,
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	busyStyle   = cellStyle.Foreground(lipgloss.Color("#FFB300"))
	helpStyle   = cellStyle.Foreground(lipgloss.Color("#E53935")).Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2a3850"))
)

func showStatus(cmd *cobra.Command, args []string) error {
	roster, err := agents.NewRoster(cfg.Agents)
	if err != nil {
		return err
	}
	client := feed.NewClient(cfg.Store.URL, feed.ClientOptions{Timeout: cfg.GetStoreTimeout()})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	doc, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(doc, roster))
	return nil
}

// statusColumns are the per-agent fields shown, in order.
var statusColumns = []string{"status", "current_task", "last_task", "last_error", "updated_at"}

// statusRows flattens the status document: configured agents first, in
// roster order, then any other agents the document mentions.
func statusRows(doc map[string]interface{}, roster *agents.Roster) [][]string {
	entries, _ := doc["agents"].(map[string]interface{})

	var names []string
	seen := make(map[string]bool)
	for _, d := range roster.All() {
		names = append(names, d.DisplayName)
		seen[d.DisplayName] = true
	}
	var extra []string
	for name := range entries {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	names = append(names, extra...)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		entry, _ := entries[name].(map[string]interface{})
		row := []string{name}
		for _, col := range statusColumns {
			row = append(row, cell(entry, col))
		}
		rows = append(rows, row)
	}
	return rows
}

func cell(entry map[string]interface{}, key string) string {
	v, ok := entry[key]
	if !ok || v == nil {
		if key == "status" {
			return "unknown"
		}
		return "-"
	}
	return fmt.Sprint(v)
}

func renderStatus(doc map[string]interface{}, roster *agents.Roster) string {
	rows := statusRows(doc, roster)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("AGENT", "STATUS", "CURRENT TASK", "LAST TASK", "LAST ERROR", "UPDATED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(rows) {
				switch rows[row][1] {
				case pipeline.StatusBusy:
					return busyStyle
				case pipeline.StatusAssistance:
					return helpStyle
				}
			}
			return cellStyle
		})
	return t.String()
}
