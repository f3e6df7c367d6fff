package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/state"
)

func meshCmd() *cli.Command {
	var (
		rule        string
		minElements int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "sharding",
			Usage:       "sharding rule (fsdp, replicate)",
			Value:       "fsdp",
			Destination: &rule,
		},
		&cli.Int64Flag{
			Name:        "min-shard-elements",
			Usage:       "replicate parameters smaller than this",
			Destination: &minElements,
		},
	}
	flags = append(flags, commonMeshFlags()...)
	flags = append(flags, commonModelFlags()...)

	return &cli.Command{
		Name:  "mesh",
		Usage: "Print the device mesh and the layout of every parameter",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			m, err := buildMesh(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			r, err := shardingRule(rule, dataAxis, int(minElements))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			lm, _, err := buildModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("mesh:      %s\n", m)
			fmt.Printf("processes: %d\n", m.Processes())
			for p := 0; p < m.Processes(); p++ {
				coords, err := m.LocalCoords(p, dataAxis)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Printf("  process %d holds %s shards %v\n", p, dataAxis, coords)
			}
			fmt.Println()

			vars := append(append([]*model.Variable{}, lm.TrainableVariables()...), lm.NonTrainableVariables()...)
			if err := printLayout(m, r, vars); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printLayout(m *mesh.Mesh, r mesh.Rule, vars []*model.Variable) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tSHAPE\tSPEC\tSHARD\tSTATUS")
	var conflicts int
	for _, v := range vars {
		spec := r.Spec(m, v.Path, v.Value.Shape)
		status := "ok"
		if err := mesh.CheckShape(m, v.Path, spec, v.Value.Shape); err != nil {
			var conflict *mesh.ShardingConflictError
			if errors.As(err, &conflict) {
				status = conflict.Reason
			} else {
				status = err.Error()
			}
			conflicts++
		}
		leaf := state.Place(m, v.Path, v.Value, spec)
		_, _ = fmt.Fprintf(w, "%s\t%v\t%s\t%v\t%s\n", v.Path, v.Value.Shape, spec, leaf.ShardShape(), status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if conflicts > 0 {
		return fmt.Errorf("%d parameters cannot be laid out: %w", conflicts, mesh.ErrShardingConflict)
	}
	return nil
}
