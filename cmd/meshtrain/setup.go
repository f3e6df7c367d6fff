package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshtrain/internal/checkpoint"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/model"
	"github.com/samcharles93/meshtrain/internal/tokenizer"
	"github.com/samcharles93/meshtrain/internal/toy"
)

// setupLogging loads the config file and installs the logger in the context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}

func parseShape(s string) ([]int, error) {
	fields := splitList(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("mesh shape is empty")
	}
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("mesh shape entry %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// buildMesh constructs the mesh described by the mesh flags.
func buildMesh(c *cli.Command) (*mesh.Mesh, error) {
	applyMeshConfig(c, fileConfig)
	sizes, err := parseShape(meshShape)
	if err != nil {
		return nil, err
	}
	topo := mesh.Topology{Processes: int(processes), LocalDevices: int(devices)}
	return mesh.New(topo, sizes, splitList(meshAxes))
}

// buildPrecision parses the precision flag.
func buildPrecision() (model.Precision, error) {
	p, err := model.ParsePrecision(precision)
	if err != nil {
		return model.Precision{}, mesh.Configurationf("%v", err)
	}
	return p, nil
}

// buildModel constructs the byte-level model and loads weights when a
// checkpoint path is configured.
func buildModel(log logger.Logger) (*toy.ToyLM, tokenizer.Tokenizer, error) {
	if hidden <= 0 {
		return nil, nil, fmt.Errorf("hidden size must be positive, got %d", hidden)
	}
	tok := tokenizer.Byte{}
	lm := toy.NewToyLM(tok.VocabSize(), int(hidden), seed)
	if weightsPath != "" {
		vars := append(append([]*model.Variable{}, lm.TrainableVariables()...), lm.NonTrainableVariables()...)
		if err := checkpoint.Load(weightsPath, vars); err != nil {
			return nil, nil, fmt.Errorf("load weights: %w", err)
		}
		log.Info("loaded weights", "path", weightsPath)
	}
	return lm, tok, nil
}
