package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshtrain/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print build, platform and dependency information",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := printVersion(os.Stdout, version.Resolve(), configPath(), asJSON); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

func printVersion(w io.Writer, info version.Info, cfgPath string, asJSON bool) error {
	if asJSON {
		out := struct {
			version.Info
			Config string `json:"config,omitempty"`
		}{info, cfgPath}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "version:\t%s\n", info.Version)
	if info.Commit != "" {
		commit := info.Commit
		if info.Modified {
			commit += " (modified)"
		}
		fmt.Fprintf(tw, "commit:\t%s\n", commit)
	}
	if info.BuildTime != "" {
		fmt.Fprintf(tw, "build time:\t%s\n", info.BuildTime)
	}
	fmt.Fprintf(tw, "go:\t%s\n", info.GoVersion)
	fmt.Fprintf(tw, "platform:\t%s\n", info.Platform)
	fmt.Fprintf(tw, "cpus:\t%d\n", info.CPUs)
	if cfgPath != "" {
		fmt.Fprintf(tw, "config:\t%s\n", cfgPath)
	}
	if len(info.Deps) > 0 {
		fmt.Fprintln(tw, "deps:\t")
	}
	for _, mod := range version.Stack {
		if v, ok := info.Deps[mod]; ok {
			fmt.Fprintf(tw, "  %s\t%s\n", mod, v)
		}
	}
	return tw.Flush()
}
