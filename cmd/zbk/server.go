// cmd/zbk/server.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/mmp/zbk/server"
	u "github.com/mmp/zbk/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"net/http"
	"time"
)

var serverCmd = &cli.Command{
	Name:  "server",
	Usage: "serve restores from a repository",
	Flags: append(append([]cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "`ADDR` to listen on for clients",
			Value:   "localhost:5005",
			EnvVars: []string{"ZBK_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "serve Prometheus /metrics on `ADDR`",
			EnvVars: []string{"ZBK_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:  "max-connections",
			Usage: "maximum number of clients served at once",
			Value: server.DefaultMaxConnections,
		},
		&cli.BoolFlag{Name: "exit-shuts-down", Usage: "shut down when a client sends exit"},
		&cli.DurationFlag{
			Name:  "exit-timeout",
			Usage: "how long to wait for clients when shutting down",
			Value: server.DefaultExitTimeout,
		},
		workersFlag,
	}, repoFlags...), cacheFlags...),
	Action: func(cctx *cli.Context) error {
		repo, err := openRepository(cctx, false)
		if err != nil {
			return err
		}
		c, err := newCache(cctx)
		if err != nil {
			return err
		}
		srv := server.New(repo, c, server.Options{
			MaxConnections: cctx.Int("max-connections"),
			Workers:        cctx.Int("workers"),
			ExitShutsDown:  cctx.Bool("exit-shuts-down"),
			ExitTimeout:    cctx.Duration("exit-timeout"),
		})

		if addr := cctx.String("metrics-listen"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			ms := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				log.Print("serving metrics on %s", addr)
				if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics: %v", err)
				}
			}()
			defer ms.Close()
		}

		served := make(chan error, 1)
		go func() { served <- srv.ListenAndServe(cctx.String("listen")) }()

		select {
		case err := <-served:
			// Either an exit request shut the server down or it failed to
			// start.
			return err
		case <-cctx.Context.Done():
			log.Print("interrupted; waiting for clients")
			ctx, cancel := context.WithTimeout(context.Background(), cctx.Duration("exit-timeout"))
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warning("shutdown: %v", err)
			}
			return <-served
		}
	},
}

var serverFlag = &cli.StringFlag{
	Name:    "server",
	Aliases: []string{"s"},
	Usage:   "`ADDR` of the restore server",
	Value:   "localhost:5005",
	EnvVars: []string{"ZBK_SERVER"},
}

var clientCmd = &cli.Command{
	Name:  "client",
	Usage: "send requests to a restore server",
	Flags: []cli.Flag{serverFlag},
	Subcommands: []*cli.Command{
		{
			Name:      "restore",
			Usage:     "restore a backup through the server",
			ArgsUsage: "BACKUP",
			Flags:     []cli.Flag{outputFlag},
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 1 {
					return u.Errorf(u.ErrFormat, "usage: zbk client restore [options] BACKUP")
				}
				name := cctx.Args().First()
				w, commit, cleanup, err := output(cctx)
				if err != nil {
					return err
				}
				defer cleanup()
				rw := &u.ReportingWriter{W: w, Msg: name, Log: log}
				if _, err := server.Restore(cctx.Context, cctx.String("server"), name, rw); err != nil {
					return err
				}
				if err := commit(); err != nil {
					return err
				}
				rw.Finish()
				return nil
			},
		},
		{
			Name:  "reindex",
			Usage: "have the server reload the repository's index",
			Action: func(cctx *cli.Context) error {
				return server.Reindex(cctx.Context, cctx.String("server"))
			},
		},
		{
			Name:  "exit",
			Usage: "ask the server to exit",
			Action: func(cctx *cli.Context) error {
				return server.Exit(cctx.Context, cctx.String("server"))
			},
		},
		{
			Name:  "status",
			Usage: "print what the server is doing",
			Action: func(cctx *cli.Context) error {
				st, err := server.GetStatus(cctx.Context, cctx.String("server"))
				if err != nil {
					return err
				}
				fmt.Println(st)
				return nil
			},
		},
	},
}
