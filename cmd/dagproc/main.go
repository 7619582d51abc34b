// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"log"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/dagproc/dagproc/internal/launch"
	"github.com/dagproc/dagproc/internal/parse"
	"github.com/dagproc/dagproc/internal/reactor"
	"github.com/dagproc/dagproc/internal/sink"
	"github.com/dagproc/dagproc/internal/stats"
)

// VERSION is injected by buildflags, the same convention client/main.go
// and server/main.go use.
var VERSION = "SELFBUILD"

// Exit codes, spec.md §6: 0 clean, 1 parse error, 2 launch error, 3
// fatal engine error.
const (
	exitOK          = 0
	exitParseError  = 1
	exitLaunchError = 2
	exitEngineError = 3
)

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "dagproc"
	myApp.Usage = "run a DAG of external processes connected by zero-copy pipes"
	myApp.Version = VERSION
	myApp.ArgsUsage = "<pipeline.json>"
	myApp.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "enable verbose logging",
		},
		cli.StringFlag{
			Name:  "statsfile",
			Value: "",
			Usage: "path to write periodic edge byte-count statistics to",
		},
		cli.IntFlag{
			Name:  "statsinterval",
			Value: 5,
			Usage: "seconds between statistics snapshots",
		},
		cli.IntFlag{
			Name:  "chunksize",
			Value: 65536,
			Usage: "bytes per splice/tee call",
		},
		cli.StringFlag{
			Name:  "sink",
			Value: "",
			Usage: "override the reclamation sink device (default /dev/null)",
		},
		cli.StringFlag{
			Name:  "logfile",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
	}
	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitEngineError)
	}
}

func run(c *cli.Context) error {
	if c.String("logfile") != "" {
		f, err := os.OpenFile(c.String("logfile"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		checkError(err, exitEngineError)
		defer f.Close()
		log.SetOutput(f)
	}

	path := c.Args().First()
	if path == "" {
		log.Println("missing pipeline description argument")
		os.Exit(exitParseError)
	}

	g, err := parse.File(path)
	checkError(err, exitParseError)
	log.Println("pipeline parsed:", len(g.Nodes), "nodes,", len(g.Edges), "edges")

	if err := launch.Wire(g); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitLaunchError)
	}
	if err := launch.Launch(g); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitLaunchError)
	}
	log.Println("all nodes launched")

	sk, err := sink.Open(c.String("sink"))
	checkError(err, exitEngineError)
	defer sk.Close()

	cfg := reactor.Config{ChunkSize: c.Int("chunksize"), SinkFD: sk.FD(), Verbose: c.Bool("verbose")}
	if c.String("statsfile") != "" {
		w := stats.New(g, c.String("statsfile"))
		cfg.StatsInterval = time.Duration(c.Int("statsinterval")) * time.Second
		cfg.OnStats = func() {
			if err := w.Write(); err != nil {
				log.Printf("statistics write failed: %+v\n", err)
			}
		}
	}

	loop, err := reactor.New(g, cfg)
	checkError(err, exitEngineError)
	defer loop.Close()

	if err := loop.Run(); err != nil {
		log.Printf("%+v\n", err)
		os.Exit(exitEngineError)
	}

	log.Println("all nodes terminated, exiting")
	return nil
}

func checkError(err error, code int) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(code)
	}
}
