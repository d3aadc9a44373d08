package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"agentrelay/internal/agents"

	"github.com/spf13/cobra"
)

// agentsCmd lists configured agents
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		roster, err := agents.NewRoster(cfg.Agents)
		if err != nil {
			return err
		}
		return printAgents(cmd.OutOrStdout(), roster)
	},
}

func printAgents(out io.Writer, roster *agents.Roster) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDISPLAY\tVARIANT\tLIFECYCLE\tMENTIONS\tURL")
	for _, d := range roster.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Key, d.DisplayName, d.Variant, d.Lifecycle, strings.Join(d.Mentions, ","), d.Addressing.URL)
	}
	return w.Flush()
}
