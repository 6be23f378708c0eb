// Copyright 2024 The Nakama-Index Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command nakidxcheck walks every segment of an index directory through
// the C5 integrity checks and reports what it finds, optionally
// repairing the manifest in place. Flags mirror the teacher's own
// single flag.NewFlagSet-per-command CLIs (cmd/doctor.go, cmd/admin.go)
// rather than reaching for a subcommand framework the rest of the repo
// never uses.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/heroiclabs/nakama-index/index"
	"github.com/heroiclabs/nakama-index/integrity"
)

type config struct {
	fix               bool
	segments          stringList
	crossCheckVectors bool
	verbose           bool
	dirImpl           string
}

// stringList accumulates repeated -segment flags into a slice.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	c := &config{}
	flags := flag.NewFlagSet("nakidxcheck", flag.ExitOnError)
	flags.BoolVar(&c.fix, "fix", false, "repair the manifest to drop segments that failed a check")
	flags.Var(&c.segments, "segment", "restrict checking to this segment name (repeatable); disables -fix")
	flags.BoolVar(&c.crossCheckVectors, "cross-check-vectors", false, "cross-check term vectors against postings (step 7); no effect here, as no segment this core writes has term vectors")
	flags.BoolVar(&c.verbose, "verbose", false, "log each check step, not just failures")
	flags.StringVar(&c.dirImpl, "dir-impl", "fs", "directory implementation to open: fs or mem")

	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalln("could not parse nakidxcheck flags")
	}
	args := flags.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: nakidxcheck [flags] <indexPath>")
		flags.PrintDefaults()
		os.Exit(1)
	}
	indexPath := args[0]

	level := zapcore.InfoLevel
	if c.verbose {
		level = zapcore.DebugLevel
	}
	logger := index.NewDefaultLogger(level)
	defer logger.Sync()

	var dir index.Directory
	switch c.dirImpl {
	case "fs":
		dir = index.NewFileSystemDirectory(indexPath)
	case "mem":
		dir = index.NewMemoryDirectory()
	default:
		logger.Fatal("unknown -dir-impl", zap.String("value", c.dirImpl))
	}

	opts := integrity.Options{
		Segments:          c.segments,
		CrossCheckVectors: c.crossCheckVectors,
		Verbose:           c.verbose,
	}

	report, err := integrity.CheckIndex(dir, opts, logger)
	if err != nil {
		logger.Error("check failed to run", zap.Error(err))
		os.Exit(1)
	}

	printReport(report)

	if report.Clean {
		os.Exit(0)
	}

	if c.fix {
		if len(c.segments) > 0 {
			logger.Error("-fix refused: a -segment subset was checked, not the whole index")
			os.Exit(1)
		}
		if err := integrity.FixIndex(dir, report, logger); err != nil {
			logger.Error("fix failed", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("repaired manifest, dropping failed segments")
	}

	os.Exit(1)
}

func printReport(report *integrity.Report) {
	for _, seg := range report.Segments {
		if seg.OK() {
			fmt.Printf("%s: OK (%d docs, %d maxDoc)\n", seg.Name, seg.NumDocs, seg.MaxDoc)
			continue
		}
		fmt.Printf("%s: FAILED\n", seg.Name)
		for _, f := range seg.Failures {
			fmt.Printf("  %s\n", f.Error())
		}
	}
	for _, f := range report.Failures {
		fmt.Printf("aggregate: %s\n", f.Error())
	}
	if report.Clean {
		fmt.Println("OK")
	} else {
		fmt.Printf("FAILED: %d segment(s) bad\n", report.NumBadSegments)
	}
}
