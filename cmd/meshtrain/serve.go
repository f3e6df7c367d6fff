package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshtrain/internal/api"
	"github.com/samcharles93/meshtrain/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		storeLimit  int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "store-limit",
			Usage:       "number of generations kept for retrieval (0 keeps all)",
			Value:       1024,
			Destination: &storeLimit,
		},
	}
	flags = append(flags, commonMeshFlags()...)
	flags = append(flags, commonModelFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr)

			m, err := buildMesh(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if m.Processes() != 1 {
				return cli.Exit("error: serve runs a single process", 1)
			}
			lm, tok, err := buildModel(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			prec, err := buildPrecision()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			service, err := api.NewGenerationService(api.ServiceConfig{
				Mesh:      m,
				DataAxis:  dataAxis,
				Model:     lm,
				Tokenizer: tok,
				SeqLen:    int(seqLen),
				Precision: prec,
				Logger:    log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			server := api.NewServer(api.NewGenerationStore(int(storeLimit)), service)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "mesh", m.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
