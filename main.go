// Copyright 2021 Polar Signals Inc.
//
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

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Granulate/gprofiler/internal/discovery"
	"github.com/Granulate/gprofiler/internal/driver"
	"github.com/Granulate/gprofiler/internal/hostinfo"
	"github.com/Granulate/gprofiler/internal/logging"
	"github.com/Granulate/gprofiler/internal/scheduler"
	"github.com/Granulate/gprofiler/internal/sink"
	"github.com/Granulate/gprofiler/internal/stack"
	"github.com/Granulate/gprofiler/internal/statuspage"
	"github.com/Granulate/gprofiler/internal/supervisor"
)

type flags struct {
	LogLevel  string `enum:"debug,info,warn,error" default:"info" help:"Log level."`
	LogFormat string `enum:"logfmt,json" default:"logfmt" help:"Log output format."`

	HTTPAddress string `default:":8080" help:"Address to bind the metrics/pprof/status HTTP server to."`
	ProcMount   string `default:"/proc" help:"Path to the proc filesystem to read the process table from."`

	Duration   time.Duration `default:"60s" help:"Length of one sampling window."`
	Frequency  int           `default:"11" help:"Sampling frequency in Hz."`
	Interval   time.Duration `default:"0s" help:"Time to wait between window starts; 0 runs windows back to back."`
	Continuous bool          `default:"true" help:"Keep sampling windows forever instead of stopping after one."`

	OutputDir      string `default:"." help:"Directory to write artifacts to."`
	RotatingOutput bool   `help:"Keep only the latest artifact (last_profile.col) instead of one numbered file per window."`

	Upload             string `help:"gRPC address of a remote artifact sink to upload to, in addition to local files."`
	BearerToken        string `help:"Bearer token to authenticate with the upload sink."`
	BearerTokenFile    string `help:"File to read the bearer token from."`
	Insecure           bool   `help:"Dial the upload sink over plaintext instead of TLS."`
	InsecureSkipVerify bool   `help:"Skip TLS certificate verification when dialing the upload sink."`

	Mode []string `help:"Per-runtime driver mode, repeatable: --mode=<runtime>=<auto|attach|ebpf|disabled>."`

	MaxConcurrentChildren int `default:"4" help:"Max concurrent attach-mode children per runtime driver."`

	NativeProgPath     string `default:"/usr/share/gprofiler/native-sampler.o" help:"Path to the native CPU-clock eBPF object."`
	PythonEBPFProgPath string `default:"/usr/share/gprofiler/py-ebpf.o" help:"Path to the Python eBPF sampler object."`
	PyspyPath          string `default:"py-spy" help:"Path to the py-spy binary."`
	RbspyPath          string `default:"rbspy" help:"Path to the rbspy binary."`
	PhpspyPath         string `default:"phpspy" help:"Path to the phpspy binary."`
	NodeSamplerPath    string `default:"node-sampler" help:"Path to the Node.js sampler binary."`
	DotnetTracePath    string `default:"dotnet-trace" help:"Path to the dotnet-trace binary."`
	JavaAgentLibPath   string `default:"/usr/share/gprofiler/libasyncProfiler.so" help:"Path to the async-profiler agent library."`
	JavaOutputDir      string `default:"/tmp/gprofiler-java" help:"Scratch directory for the Java driver's attach output."`
}

func main() {
	var f flags
	kong.Parse(&f)

	logger, err := logging.New(f.LogLevel, f.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid logging configuration:", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "starting", "duration", f.Duration, "frequency", f.Frequency, "continuous", f.Continuous)

	reg := prometheus.NewRegistry()
	modes := parseModes(f.Mode)

	cfg := driver.DefaultConfig()
	native := driver.NewNativeDriver(logger, cfg, f.NativeProgPath)

	candidates := map[stack.RuntimeKind]driver.Driver{
		stack.Python: driver.NewPythonDriver(logger, cfg, pythonMode(modes), f.PyspyPath, f.PythonEBPFProgPath, f.MaxConcurrentChildren),
		stack.Java:   driver.NewJavaDriver(logger, cfg, f.JavaAgentLibPath, f.JavaOutputDir, f.MaxConcurrentChildren),
		stack.Ruby:   driver.NewRubyDriver(logger, cfg, f.RbspyPath, f.MaxConcurrentChildren),
		stack.PHP:    driver.NewPHPDriver(logger, cfg, f.PhpspyPath, f.MaxConcurrentChildren),
		stack.Node:   driver.NewNodeDriver(logger, cfg, f.NodeSamplerPath, f.MaxConcurrentChildren),
		stack.DotNet: driver.NewDotNetDriver(logger, cfg, f.DotnetTracePath, f.MaxConcurrentChildren),
	}
	runtimeDrivers := make(map[stack.RuntimeKind]driver.Driver, len(candidates))
	for kind, d := range candidates {
		if modes[string(kind)] == "disabled" {
			continue
		}
		runtimeDrivers[kind] = d
	}

	sup := supervisor.New(logger, reg, native, runtimeDrivers)
	sup.Register(reg)

	registry := discovery.NewRegistry(logger, f.ProcMount)

	sinks := []sink.Sink{sink.NewFileSink(f.OutputDir, f.RotatingOutput)}
	if f.Upload != "" {
		grpcSink, err := sink.NewGRPCSink(reg, sink.DialOptions{
			Address:            f.Upload,
			BearerToken:        f.BearerToken,
			BearerTokenFile:    f.BearerTokenFile,
			Insecure:           f.Insecure,
			InsecureSkipVerify: f.InsecureSkipVerify,
		})
		if err != nil {
			level.Error(logger).Log("msg", "failed to dial upload sink", "err", err)
			os.Exit(1)
		}
		defer grpcSink.Close()
		sinks = append(sinks, grpcSink)
	}

	host := hostinfo.Collect()
	hostname := host.Hostname

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Duration = f.Duration
	schedCfg.Frequency = f.Frequency
	schedCfg.Interval = f.Interval
	schedCfg.Continuous = f.Continuous

	sched := scheduler.New(logger, schedCfg, registry, sup, sinks, host, hostname)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/", statuspage.Handler(hostname, runtimeDrivers, native))

	var g run.Group
	ctx, cancel := context.WithCancel(context.Background())

	g.Add(func() error {
		return sched.Run(ctx)
	}, func(error) {
		cancel()
	})

	ln, err := net.Listen("tcp", f.HTTPAddress)
	if err != nil {
		level.Error(logger).Log("msg", "failed to bind http address", "err", err)
		os.Exit(1)
	}
	g.Add(func() error {
		return http.Serve(ln, mux)
	}, func(error) {
		ln.Close()
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt, os.Kill))

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exiting on fatal runtime error", "err", err)
		os.Exit(2)
	}
}

// parseModes turns repeated "--mode=<runtime>=<mode>" flags into a
// runtime-name -> lowercased-mode map (§6 "one --mode=<kind>=<mode> flag
// per runtime").
func parseModes(raw []string) map[string]string {
	modes := make(map[string]string, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		modes[strings.ToLower(parts[0])] = strings.ToLower(parts[1])
	}
	return modes
}

func pythonMode(modes map[string]string) driver.Mode {
	switch modes[string(stack.Python)] {
	case "ebpf":
		return driver.EBPF
	case "attach":
		return driver.Attach
	case "disabled":
		return driver.Disabled
	default:
		return driver.Auto
	}
}
