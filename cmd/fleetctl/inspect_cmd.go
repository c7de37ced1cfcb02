package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fleetctl/fleetctl/internal/hive"
	"github.com/fleetctl/fleetctl/internal/history"
	"github.com/fleetctl/fleetctl/internal/nonpty"
)

// InspectCmd shows the hive's declared nodes, optionally checking
// reachability or surfacing recorded deployment history instead.
type InspectCmd struct {
	JSON    bool   `help:"emit machine-readable JSON instead of a table"`
	Online  bool   `help:"ping every node and report whether it currently answers"`
	History bool   `help:"show recorded deployment history instead of the node roster"`
	Node    string `help:"restrict --history to a single node"`
}

type nodeReport struct {
	Name     string   `json:"name"`
	Hosts    []string `json:"hosts"`
	Tags     []string `json:"tags"`
	Platform string   `json:"platform"`
	Online   *bool    `json:"online,omitempty"`
}

func (c *InspectCmd) Run(cctx *Context) error {
	ctx := context.Background()

	if c.History {
		return c.runHistory(ctx, cctx)
	}

	h, err := hive.Load(ctx, cctx.HivePath)
	if err != nil {
		return err
	}

	reports := make([]nodeReport, 0, len(h.Nodes))
	for name, node := range h.Nodes {
		rep := nodeReport{
			Name:     name.String(),
			Hosts:    node.Target.Hosts,
			Platform: node.HostPlatform,
		}
		for tag := range node.Tags {
			rep.Tags = append(rep.Tags, tag)
		}
		if c.Online {
			online := node.Target.Ping(ctx, nonpty.LocalRunner{}) == nil
			rep.Online = &online
		}
		reports = append(reports, rep)
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "NODE\tHOSTS\tPLATFORM\tTAGS"
	if c.Online {
		header += "\tONLINE"
	}
	fmt.Fprintln(w, header)
	for _, rep := range reports {
		line := fmt.Sprintf("%s\t%v\t%s\t%v", rep.Name, rep.Hosts, rep.Platform, rep.Tags)
		if c.Online {
			line += fmt.Sprintf("\t%v", *rep.Online)
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

func (c *InspectCmd) runHistory(ctx context.Context, cctx *Context) error {
	if cctx.History == nil {
		return fmt.Errorf("deployment history is unavailable in this run")
	}

	var records []history.Record
	var err error
	if c.Node != "" {
		records, err = cctx.History.ListByNode(ctx, c.Node)
	} else {
		records, err = cctx.History.ListAll(ctx)
	}
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tNODE\tGOAL\tOUTCOME\tSTARTED\tFINISHED\tERROR")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RunID, rec.NodeName, rec.Goal, rec.Outcome,
			rec.StartedAt.Format("2006-01-02T15:04:05"),
			rec.FinishedAt.Format("2006-01-02T15:04:05"),
			rec.ErrorSummary,
		)
	}
	return w.Flush()
}
