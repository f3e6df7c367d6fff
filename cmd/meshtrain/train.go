package main

import (
	"context"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshtrain/internal/dataset"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/mesh"
	"github.com/samcharles93/meshtrain/internal/optim"
	"github.com/samcharles93/meshtrain/internal/preprocess"
	"github.com/samcharles93/meshtrain/internal/trainer"
)

type trainOptions struct {
	dataPath      string
	field         string
	steps         int64
	logSteps      int64
	batchSize     int64
	dropRemainder bool
	clipNorm      float64
	rule          string
	minElements   int64
	optimizer     optim.Config
	savePath      string
	samplePrompt  string
	progress      bool
}

func trainCmd() *cli.Command {
	opts := trainOptions{optimizer: optim.DefaultConfig()}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "data",
			Usage:       "path to a JSONL dataset",
			Required:    true,
			Destination: &opts.dataPath,
		},
		&cli.StringFlag{
			Name:        "field",
			Usage:       "JSON field holding the training text",
			Value:       "text",
			Destination: &opts.field,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Usage:       "number of optimizer steps",
			Value:       100,
			Destination: &opts.steps,
		},
		&cli.Int64Flag{
			Name:        "log-steps",
			Usage:       "report the loss every N steps (0 disables)",
			Value:       10,
			Destination: &opts.logSteps,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "rows per batch; must be divisible by the data axis size",
			Value:       8,
			Destination: &opts.batchSize,
		},
		&cli.BoolFlag{
			Name:        "drop-remainder",
			Usage:       "drop the final short batch of each pass",
			Value:       true,
			Destination: &opts.dropRemainder,
		},
		&cli.Float64Flag{
			Name:        "clip-norm",
			Usage:       "clip gradients to this global norm (0 disables)",
			Destination: &opts.clipNorm,
		},
		&cli.StringFlag{
			Name:        "sharding",
			Usage:       "sharding rule (fsdp, replicate)",
			Value:       "fsdp",
			Destination: &opts.rule,
		},
		&cli.Int64Flag{
			Name:        "min-shard-elements",
			Usage:       "replicate parameters smaller than this",
			Destination: &opts.minElements,
		},
		&cli.StringFlag{
			Name:        "optimizer",
			Usage:       "optimizer (adamw, adam, sgd)",
			Value:       opts.optimizer.Name,
			Destination: &opts.optimizer.Name,
		},
		&cli.Float64Flag{
			Name:        "lr",
			Usage:       "learning rate",
			Value:       opts.optimizer.LearningRate,
			Destination: &opts.optimizer.LearningRate,
		},
		&cli.Float64Flag{
			Name:        "min-lr",
			Usage:       "final learning rate of the cosine schedule",
			Destination: &opts.optimizer.MinLR,
		},
		&cli.Int64Flag{
			Name:        "warmup-steps",
			Usage:       "linear warmup steps",
			Destination: &opts.optimizer.WarmupSteps,
		},
		&cli.Int64Flag{
			Name:        "decay-steps",
			Usage:       "step at which the cosine decay reaches min-lr",
			Destination: &opts.optimizer.DecaySteps,
		},
		&cli.Float64Flag{
			Name:        "weight-decay",
			Usage:       "weight decay",
			Value:       opts.optimizer.WeightDecay,
			Destination: &opts.optimizer.WeightDecay,
		},
		&cli.Float64Flag{
			Name:        "momentum",
			Usage:       "SGD momentum",
			Destination: &opts.optimizer.Momentum,
		},
		&cli.StringFlag{
			Name:        "save",
			Aliases:     []string{"o"},
			Usage:       "write the trained weights to this .safetensors path",
			Destination: &opts.savePath,
		},
		&cli.StringFlag{
			Name:        "sample",
			Usage:       "generate a completion of this prompt after training",
			Destination: &opts.samplePrompt,
		},
		&cli.BoolFlag{
			Name:        "progress",
			Usage:       "show a progress bar",
			Value:       true,
			Destination: &opts.progress,
		},
	}
	flags = append(flags, commonMeshFlags()...)
	flags = append(flags, commonModelFlags()...)

	return &cli.Command{
		Name:  "train",
		Usage: "Train the model on a JSONL dataset",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyTrainConfig(c, fileConfig, &opts)

			m, err := buildMesh(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			lm, tok, err := buildModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			prec, err := buildPrecision()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opt, err := optim.New(opts.optimizer)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			rule, err := shardingRule(opts.rule, dataAxis, int(opts.minElements))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			data := &dataset.JSONL{
				Path:          opts.dataPath,
				BatchSize:     int(opts.batchSize),
				DropRemainder: opts.dropRemainder,
			}

			var bar *progressbar.ProgressBar
			trainerOpts := []trainer.Option{trainer.WithLogger(log)}
			if opts.progress {
				bar = progressbar.NewOptions64(opts.steps,
					progressbar.OptionSetDescription("Training"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
				trainerOpts = append(trainerOpts, trainer.WithProgress(bar))
			}
			trainerOpts = append(trainerOpts, trainer.WithReport(func(_ int64, loss float32) {
				if bar != nil {
					bar.Describe(fmt.Sprintf("Training [loss %.4f]", loss))
				}
			}))

			tr, err := trainer.New(trainer.Config{
				Steps:      opts.steps,
				LogSteps:   opts.logSteps,
				SeqLen:     int(seqLen),
				InputField: opts.field,
				Mesh:       m,
				Rule:       rule,
				DataAxis:   dataAxis,
				ClipNorm:   opts.clipNorm,
				Precision:  prec,
			}, lm, opt, tok, data, preprocess.Default{}, trainerOpts...)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			res, err := tr.Train(ctx)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: training failed: %v", err), 1)
			}
			fmt.Printf("run:         %s\n", res.RunID)
			fmt.Printf("steps:       %d\n", res.Steps)
			fmt.Printf("final loss:  %.6f\n", res.FinalLoss)
			fmt.Printf("passes:      %d\n", res.Passes)
			fmt.Printf("elapsed:     %s\n", res.Duration.Round(1e6))
			fmt.Printf("fingerprint: %016x\n", res.Fingerprint)

			if opts.savePath != "" {
				if err := tr.SaveModel(opts.savePath); err != nil {
					return cli.Exit(fmt.Sprintf("error: save model: %v", err), 1)
				}
				log.Info("saved model", "path", opts.savePath)
			}
			if opts.samplePrompt != "" {
				text, err := tr.Generate(ctx, opts.samplePrompt)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: sample: %v", err), 1)
				}
				fmt.Printf("sample:      %q\n", text)
			}
			return nil
		},
	}
}

func shardingRule(name, axis string, minElements int) (mesh.Rule, error) {
	switch name {
	case "", "fsdp":
		return mesh.FSDPRule{Axis: axis, MinElements: minElements}, nil
	case "replicate":
		return mesh.ReplicateRule{}, nil
	default:
		return nil, fmt.Errorf("unknown sharding rule %q", name)
	}
}
