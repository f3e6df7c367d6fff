package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	devices   int64
	processes int64
	meshShape string
	meshAxes  string
	dataAxis  string

	hidden      int64
	seqLen      int64
	seed        int64
	weightsPath string
	precision   string
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (defaults to the user config dir)",
		Destination: &configFile,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonMeshFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "devices",
			Aliases:     []string{"d"},
			Usage:       "logical devices per process",
			Value:       1,
			Destination: &devices,
		},
		&cli.Int64Flag{
			Name:        "processes",
			Usage:       "number of host processes",
			Value:       1,
			Destination: &processes,
		},
		&cli.StringFlag{
			Name:        "mesh-shape",
			Usage:       "comma separated axis sizes; -1 absorbs the remaining devices",
			Value:       "-1",
			Destination: &meshShape,
		},
		&cli.StringFlag{
			Name:        "mesh-axes",
			Usage:       "comma separated axis names",
			Value:       "fsdp",
			Destination: &meshAxes,
		},
		&cli.StringFlag{
			Name:        "data-axis",
			Usage:       "mesh axis the batch is split along",
			Value:       "fsdp",
			Destination: &dataAxis,
		},
	}
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "hidden size of the model",
			Value:       32,
			Destination: &hidden,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"ctx"},
			Usage:       "sequence length",
			Value:       64,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "weight initialisation seed",
			Value:       0,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "load weights from a .safetensors checkpoint",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "dtype policy (float32, bfloat16, mixed_bfloat16)",
			Value:       "float32",
			Destination: &precision,
		},
	}
}
