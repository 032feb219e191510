package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/0xDC00/stalker/internal/compile"
	"github.com/0xDC00/stalker/platform"
	"github.com/0xDC00/stalker/stalker"
	"github.com/0xDC00/stalker/stalkerlog"
)

// waitForInterrupt blocks until the user sends SIGINT (Ctrl-C) or
// SIGTERM, at which point tracing stops and counters are reported.
func waitForInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

func main() {
	log.SetPrefix("stalker-trace: ")
	log.SetFlags(0)

	verbose := flag.Bool("v", false, "enable/disable verbose engine logging")
	trust := flag.Int("trust", 1, "block reuse trust threshold (-1 trusts forever, 0 never trusts)")
	mode64 := flag.Bool("64", true, "decode/compile in 64-bit mode (false selects 32-bit)")

	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: stalker-trace [flags] <tid>")
		flag.Usage()
		os.Exit(1)
	}

	if *verbose {
		stalkerlog.SetLevel(stalkerlog.LevelDebug)
	}

	tid, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		log.Fatalf("invalid thread id %q: %v", flag.Arg(0), err)
	}

	mode := stalker.Mode32
	if *mode64 {
		mode = stalker.Mode64
	}

	st := stalker.New(mode)
	st.SetTrustThreshold(*trust)

	sink := &printSink{}
	ctx, err := st.Follow(tid, &traceTransformer{}, sink)
	if err != nil {
		log.Fatalf("could not follow thread %d: %v", tid, err)
	}

	fmt.Printf("following tid=%d pid=%d mode=%v trust=%d\n", tid, os.Getpid(), mode, *trust)

	waitForInterrupt()

	if err := st.Unfollow(tid); err != nil {
		log.Printf("unfollow: %v", err)
	}
	st.Flush()
	st.GarbageCollect(tid == platform.CurrentThreadID())

	report(ctx)
}

// traceTransformer keeps every instruction unchanged but prints its
// address and decoded text as it is kept, recovering the "trace a
// program and print what happened" feature the distillation dropped
// (SPEC_FULL.md §4.9).
type traceTransformer struct{}

func (t *traceTransformer) Transform(it stalker.Iterator) {
	for {
		inst, ok := it.Next()
		if !ok {
			return
		}
		fmt.Fprintf(os.Stdout, "%#x: %s\n", inst.Addr, inst.Inst.String())
		it.Keep()
	}
}

// printSink subscribes to call/ret events and prints them as they
// arrive; every other kind is left unsubscribed so the compiler never
// pays to emit their hooks.
type printSink struct{}

func (s *printSink) QueryMask() stalker.EventMask {
	return stalker.EventCall | stalker.EventRet
}
func (s *printSink) Start() {}
func (s *printSink) Stop()  {}
func (s *printSink) Flush() {}
func (s *printSink) Process(ev stalker.Event, _ *stalker.CPUContext) {
	switch ev.Kind {
	case stalker.EventCall:
		fmt.Printf("call -> %#x (depth %d)\n", ev.Call.Target, ev.Call.Depth)
	case stalker.EventRet:
		fmt.Printf("ret  -> %#x (depth %d)\n", ev.Ret.Location, ev.Ret.Depth)
	}
}

func report(ctx *stalker.ExecCtx) {
	counters := ctx.Counters()
	fmt.Println("counters:")
	for _, kind := range []compile.CounterKind{
		compile.CounterCallImm, compile.CounterCallMem, compile.CounterCallReg,
		compile.CounterJmpImm, compile.CounterJmpMem, compile.CounterJmpReg,
		compile.CounterRetSlowPath, compile.CounterBlocksCompiled, compile.CounterTotal,
	} {
		fmt.Printf("  %-20v %d\n", kind, counters[kind])
	}
}
