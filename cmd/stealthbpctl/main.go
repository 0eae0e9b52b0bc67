// Copyright 2026 The Stealthbp Authors.
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

// Command stealthbpctl drives a shadowbp.Engine against the simguest
// fake hardware harness: it installs a handful of demonstration
// breakpoints, walks them through the #BP/MTF state machine, and
// prints the live registry. There is no real VMX/EPT hardware behind
// it; it exists to exercise the engine end to end without one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/shadowbp/stealthbp/shadowbp"
	"github.com/shadowbp/stealthbp/simguest"
)

// state is the shared harness/engine/logger bundle threaded into every
// subcommand's Execute via its variadic args, the way runsc/cmd passes
// a *boot.Config to each command.
type state struct {
	harness *simguest.Harness
	engine  *shadowbp.Engine
	log     *logrus.Logger
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(&installCmd{}, "")
	cb(&startCmd{}, "")
	cb(&fireCmd{}, "")
	cb(&terminateCmd{}, "")
	cb(&statusCmd{}, "")
}

func main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	harness, engine, err := simguest.NewEngine(shadowbp.Config{Logger: log, Processors: 1})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize engine")
	}

	st := &state{harness: harness, engine: engine, log: log}
	os.Exit(int(subcommands.Execute(context.Background(), st)))
}

// installCmd implements subcommands.Command for "install".
type installCmd struct{}

func (*installCmd) Name() string     { return "install" }
func (*installCmd) Synopsis() string { return "install a demonstration pre/post breakpoint pair on a fresh fake guest page" }
func (*installCmd) Usage() string    { return "install - installs a demonstration breakpoint pair\n" }
func (*installCmd) SetFlags(*flag.FlagSet) {}

func (*installCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	st := args[0].(*state)

	page := st.harness.NewGuestPage([]byte{0x55, 0x48, 0x89, 0xE5, 0xC3})
	entryAddr := page
	returnAddr := page + 4

	st.harness.SetCurrentThread(1)
	var demoVar uint64
	_, err := st.engine.InstallPre(entryAddr, func(a shadowbp.HandlerArgs) {
		st.log.WithField("addr", a.Record.Address).Info("pre breakpoint fired, arming return probe")
		if err := st.engine.InstallAndEnablePost(returnAddr, a.Record, shadowbp.Parameters{"rsp": uint64(a.GuestRSP)}); err != nil {
			st.log.WithError(err).Error("failed to arm return probe")
		}
	}, func(a shadowbp.HandlerArgs) {
		demoVar = a.Record.Parameters["rsp"]
		st.log.WithFields(logrus.Fields{"addr": a.Record.Address, "rsp": demoVar}).Info("post breakpoint fired")
	}, "demo")
	if err != nil {
		st.log.WithError(err).Error("failed to install demonstration breakpoint")
		return subcommands.ExitFailure
	}
	st.log.WithFields(logrus.Fields{"entry": entryAddr, "return": returnAddr}).Info("installed demonstration breakpoint pair")
	return subcommands.ExitSuccess
}

// startCmd implements subcommands.Command for "start".
type startCmd struct{}

func (*startCmd) Name() string           { return "start" }
func (*startCmd) Synopsis() string       { return "bulk-enable every installed breakpoint's exec shadow" }
func (*startCmd) Usage() string          { return "start - enables shadowing for every installed breakpoint\n" }
func (*startCmd) SetFlags(*flag.FlagSet) {}

func (*startCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	st := args[0].(*state)
	if err := st.engine.Start(ctx); err != nil {
		st.log.WithError(err).Error("start failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// fireCmd implements subcommands.Command for "fire".
type fireCmd struct{}

func (*fireCmd) Name() string           { return "fire" }
func (*fireCmd) Synopsis() string       { return "simulate the guest executing a #BP at the given address" }
func (*fireCmd) Usage() string          { return "fire <address> - simulates a #BP at address\n" }
func (*fireCmd) SetFlags(*flag.FlagSet) {}

func (*fireCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	st := args[0].(*state)
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var addr uint64
	if _, err := fmt.Sscanf(f.Arg(0), "0x%x", &addr); err != nil {
		if _, err := fmt.Sscanf(f.Arg(0), "%d", &addr); err != nil {
			st.log.WithField("arg", f.Arg(0)).Error("cannot parse address")
			return subcommands.ExitUsageError
		}
	}
	disp := st.engine.OnBreakpoint(0, uintptr(addr), shadowbp.Passive)
	st.log.WithField("disposition", disp).Info("#BP handled")
	if disp == shadowbp.Handled {
		st.engine.OnMonitorTrapFlag(0)
	}
	return subcommands.ExitSuccess
}

// terminateCmd implements subcommands.Command for "terminate".
type terminateCmd struct{}

func (*terminateCmd) Name() string     { return "terminate" }
func (*terminateCmd) Synopsis() string { return "bulk-disable every breakpoint, drain in-flight single steps, and clear the registry" }
func (*terminateCmd) Usage() string    { return "terminate - tears down the engine\n" }
func (*terminateCmd) SetFlags(*flag.FlagSet) {}

func (*terminateCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	st := args[0].(*state)
	st.engine.Terminate(ctx)
	return subcommands.ExitSuccess
}

// statusCmd implements subcommands.Command for "status".
type statusCmd struct{}

func (*statusCmd) Name() string           { return "status" }
func (*statusCmd) Synopsis() string       { return "print the live registry" }
func (*statusCmd) Usage() string          { return "status - prints every live breakpoint record\n" }
func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	st := args[0].(*state)
	for _, rec := range st.engine.Snapshot() {
		fmt.Printf("%#x\t%s\t%s\towner=%v:%d\n", rec.Address, rec.Type, rec.Name, rec.HasOwner, rec.OwnerThread)
	}
	return subcommands.ExitSuccess
}
