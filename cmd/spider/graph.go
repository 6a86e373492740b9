package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/spider/internal/taskgraph"
	"github.com/aristath/spider/internal/tui"
)

// Graph file formats accepted by --to.
const (
	formatJSON              = "json"
	formatMsgpack           = "msgpack"
	formatMsgpackPositional = "msgpack-positional"
)

// readGraph decodes a graph file. JSON documents start with '{'; anything
// else is decoded as msgpack in either field mode.
func readGraph(path string) (*taskgraph.TaskGraph, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	var g *taskgraph.TaskGraph
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		g, err = taskgraph.FromJSON(string(data))
	} else {
		g, err = taskgraph.FromMsgpack(data)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %s: %w", path, err)
	}
	return g, len(data), nil
}

func encodeGraph(g *taskgraph.TaskGraph, format string) ([]byte, error) {
	switch format {
	case formatJSON:
		s, err := g.ToJSON()
		if err != nil {
			return nil, err
		}
		return []byte(s + "\n"), nil
	case formatMsgpack:
		return g.ToMsgpack(true)
	case formatMsgpackPositional:
		return g.ToMsgpack(false)
	}
	return nil, fmt.Errorf("unknown format %q (want %s, %s or %s)", format, formatJSON, formatMsgpack, formatMsgpackPositional)
}

func newGraphCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect and convert task graph files",
	}
	cmd.AddCommand(
		newGraphValidateCmd(),
		newGraphConvertCmd(),
		newGraphDescribeCmd(),
		newGraphViewCmd(),
	)
	return cmd
}

func newGraphValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Decode a graph file and check its integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, size, err := readGraph(args[0])
			if err != nil {
				return err
			}
			if err := g.Validate(); err != nil {
				return err
			}
			fp, err := g.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d tasks, %d dependencies, %s, fingerprint %016x)\n",
				args[0], g.NumTasks(), g.NumDependencies(), humanize.Bytes(uint64(size)), fp)
			return nil
		},
	}
}

func newGraphConvertCmd() *cobra.Command {
	var to, output string
	cmd := &cobra.Command{
		Use:   "convert FILE",
		Short: "Re-encode a graph file as JSON or msgpack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, size, err := readGraph(args[0])
			if err != nil {
				return err
			}
			data, err := encodeGraph(g, to)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				if err := os.WriteFile(output, data, 0644); err != nil {
					return fmt.Errorf("writing %s: %w", output, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s as %s (%s, was %s)\n",
					output, to, humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(size)))
				return nil
			}
			_, err = w.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", formatJSON, "output format: json, msgpack or msgpack-positional")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newGraphDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe FILE",
		Short: "Print every task in topological order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := readGraph(args[0])
			if err != nil {
				return err
			}
			order, err := g.Order()
			if err != nil {
				return err
			}
			for _, idx := range order {
				fmt.Fprintln(cmd.OutOrStdout(), tui.DescribeTask(g, idx, 0, false))
			}
			return nil
		},
	}
}

func newGraphViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view FILE",
		Short: "Browse a graph file interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := readGraph(args[0])
			if err != nil {
				return err
			}
			model, err := tui.New(g, tui.WithTitle(args[0]))
			if err != nil {
				return err
			}
			return runProgram(cmd, model)
		},
	}
}

// runProgram runs a full-screen Bubble Tea program until it exits or the
// command's context is cancelled.
func runProgram(cmd *cobra.Command, model tea.Model) error {
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err := p.Run()
	if err != nil && cmd.Context().Err() != nil {
		return nil
	}
	return err
}
