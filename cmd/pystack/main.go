// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/pystack/internal/byteorder"
	"github.com/parca-dev/pystack/pkg/buildinfo"
	"github.com/parca-dev/pystack/pkg/convert"
	"github.com/parca-dev/pystack/pkg/logger"
	"github.com/parca-dev/pystack/pkg/sampler"
)

var (
	version string
	commit  string
	date    string
)

type flags struct {
	LogLevel    string `kong:"enum='error,warn,info,debug',help='Log level.',default='info'"`
	HTTPAddress string `kong:"help='Address to bind HTTP server to.',default=':7075'"`

	PID       int           `kong:"required,help='PID of the Python process to profile.'"`
	Duration  time.Duration `kong:"help='How long to profile. 0 profiles until interrupted.',default='10s'"`
	Frequency int           `kong:"help='Samples per second.',default='${default_frequency}'"`

	Format string `kong:"enum='collapsed,pprof',help='Output format.',default='collapsed'"`
	Output string `kong:"help='Output file. Empty writes collapsed output to stdout.',default=''"`
}

func main() {
	flags := flags{}
	kong.Parse(&flags, kong.Vars{
		"default_frequency": strconv.Itoa(sampler.DefaultFrequency),
	})

	logger := logger.NewLogger(flags.LogLevel, logger.LogFormatLogfmt, "pystack")

	if version == "" {
		if bi, err := buildinfo.FetchBuildInfo(); err == nil {
			version = bi.Version()
			date = bi.VcsTime
		}
	}

	if byteorder.Host() == binary.BigEndian {
		level.Error(logger).Log("msg", "big endian CPUs are not supported")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("Pystack ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if err := run(logger, reg, flags); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, reg *prometheus.Registry, flags flags) error {
	ctx := context.Background()

	session, err := sampler.Attach(ctx, logger, reg, flags.PID)
	if err != nil {
		return fmt.Errorf("attach to pid %d: %w", flags.PID, err)
	}
	defer session.Close()

	level.Info(logger).Log(
		"msg", "starting",
		"version", version, "commit", commit, "date", date,
		"pid", flags.PID,
		"python", session.Version().String(),
		"frequency", flags.Frequency,
		"duration", flags.Duration,
	)

	var g okrun.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			defer level.Debug(logger).Log("msg", "stopped: profiler")

			p := sampler.NewProfiler(logger, session, flags.Frequency)
			agg, err := p.Run(ctx, flags.Duration)
			if err != nil {
				return err
			}
			return writeAggregate(flags, agg)
		}, func(error) {
			cancel()
		})
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		srv := &http.Server{Addr: flags.HTTPAddress, Handler: mux, ReadTimeout: 5 * time.Second}

		g.Add(func() error {
			level.Info(logger).Log("msg", "http server listening", "addr", flags.HTTPAddress)
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))

	err = g.Run()
	var sigErr okrun.SignalError
	if err != nil && !errors.As(err, &sigErr) {
		return err
	}
	return nil
}

func writeAggregate(flags flags, agg *sampler.Aggregate) error {
	out := os.Stdout
	if flags.Output != "" {
		f, err := os.Create(flags.Output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch flags.Format {
	case "pprof":
		prof, err := convert.AggregateToPprof(agg)
		if err != nil {
			return err
		}
		return prof.Write(out)
	default:
		return convert.AggregateToCollapsed(out, agg)
	}
}
