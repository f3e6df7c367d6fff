package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshtrain/internal/collective"
	"github.com/samcharles93/meshtrain/internal/generate"
	"github.com/samcharles93/meshtrain/internal/logger"
	"github.com/samcharles93/meshtrain/internal/preprocess"
)

func generateCmd() *cli.Command {
	var (
		prompt      string
		maxLength   int64
		stripPrompt bool
		showTokens  bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Required:    true,
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-length",
			Usage:       "total length of prompt plus completion (0 means seq-len)",
			Destination: &maxLength,
		},
		&cli.BoolFlag{
			Name:        "strip-prompt",
			Usage:       "print only the generated suffix",
			Destination: &stripPrompt,
		},
		&cli.BoolFlag{
			Name:        "show-tokens",
			Usage:       "print the generated token ids",
			Destination: &showTokens,
		},
	}
	flags = append(flags, commonMeshFlags()...)
	flags = append(flags, commonModelFlags()...)

	return &cli.Command{
		Name:  "generate",
		Usage: "Greedy generation, optionally simulating several host processes",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
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
			in, err := preprocess.Default{}.PrepareInferenceInput(prompt, tok, int(seqLen))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opts := generate.Options{
				MaxLength:    int(maxLength),
				StopTokenIDs: []int32{int32(tok.Special().EOSTokenID)},
				StripPrompt:  stripPrompt,
			}

			// Every process runs its own loop; they meet in the hub at each step.
			hub, err := collective.NewHub(m.Processes())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			outs := make([]*generate.Output, hub.Size())
			errs := make([]error, hub.Size())
			start := time.Now()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			var wg sync.WaitGroup
			for p := 0; p < hub.Size(); p++ {
				gen, err := generate.New(generate.Config{
					Mesh:       m,
					DataAxis:   dataAxis,
					Model:      lm,
					Precision:  prec,
					Collective: hub.Member(p),
					Logger:     log,
				})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					outs[p], errs[p] = gen.Generate(ctx, in, opts)
					if errs[p] != nil {
						cancel()
					}
				}(p)
			}
			wg.Wait()
			for p, err := range errs {
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: process %d: %v", p, err), 1)
				}
			}
			for p := 1; p < len(outs); p++ {
				if !slices.Equal(outs[p].TokenIDs.Data, outs[0].TokenIDs.Data) {
					return cli.Exit(fmt.Sprintf("error: process %d disagrees with process 0: %v", p, collective.ErrHostDivergence), 1)
				}
			}

			out := outs[0]
			row := out.TokenIDs.Row(0)
			ids := make([]int, len(row))
			for i, v := range row {
				ids[i] = int(v)
			}
			text, err := tok.Decode(ids)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode: %v", err), 1)
			}
			log.Info("generation completed",
				"processes", hub.Size(),
				"steps", out.Steps,
				"num_tokens", out.NumTokens,
				"elapsed", time.Since(start),
			)
			if showTokens {
				fmt.Printf("tokens: %v\n", row)
			}
			fmt.Println(text)
			return nil
		},
	}
}
