// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command vmemdemo drives a single in-process Vmem through its
// address-space API using the frametest/haltest doubles, printing the
// mapping table after each operation and the stats at the end. It exists to give the
// vmem package a runnable entrypoint outside of its own test suite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/rplstr/hiillos/pkg/frame/frametest"
	"github.com/rplstr/hiillos/pkg/hal/haltest"
	"github.com/rplstr/hiillos/pkg/hostarch"
	"github.com/rplstr/hiillos/pkg/vmem"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&demoCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// demoCmd runs a small fixed script against a fresh Vmem: two fixed maps,
// a partial unmap that trims the tail of the first, a round-trip
// write/read, and a page fault, printing the mapping table after each step.
type demoCmd struct {
	pages int
}

func (*demoCmd) Name() string     { return "demo" }
func (*demoCmd) Synopsis() string { return "run a scripted sequence of vmem operations" }
func (*demoCmd) Usage() string {
	return "demo [-pages N]\n  map/unmap/read/write/page_fault a Vmem backed by in-memory test doubles.\n"
}

func (d *demoCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.pages, "pages", 8, "page count of the demo frame")
}

func (d *demoCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	v, err := vmem.New(haltest.NewFactory())
	if err != nil {
		fmt.Fprintln(os.Stderr, "new:", err)
		return subcommands.ExitFailure
	}
	if err := v.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		return subcommands.ExitFailure
	}

	step := func(name string, fn func() error) bool {
		if err := fn(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			return false
		}
		fmt.Printf("-- after %s --\n%s", name, v.DebugString())
		return true
	}

	fr := frametest.New(d.pages)
	const base = hostarch.Addr(0x10000)

	ok := step("map(base)", func() error {
		_, err := v.Map(fr, 0, base, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true})
		return err
	})
	ok = ok && step("map(base+4pages)", func() error {
		_, err := v.Map(fr.Clone(), 4, base+4*hostarch.PageSize, 4, hostarch.ReadWrite, hostarch.MappingFlags{Fixed: true})
		return err
	})
	ok = ok && step("unmap(interior)", func() error {
		return v.Unmap(base+2*hostarch.PageSize, 2)
	})
	ok = ok && step("write+read", func() error {
		msg := []byte("hello from vmemdemo")
		if _, err := v.Write(base, msg); err != nil {
			return err
		}
		got := make([]byte, len(msg))
		if _, err := v.Read(base, got); err != nil {
			return err
		}
		fmt.Printf("round trip: %q\n", got)
		return nil
	})
	ok = ok && step("page_fault", func() error {
		return v.PageFault(vmem.FaultRead, base)
	})

	stats := v.Stats()
	fmt.Printf("stats: curPages=%d maxPages=%d mapCalls=%d unmapCalls=%d pageFaultCalls=%d\n",
		stats.CurPages, stats.MaxPages, stats.MapCalls, stats.UnmapCalls, stats.PageFaultCalls)

	v.Release()

	if !ok {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
