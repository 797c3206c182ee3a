package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/bringyour/statesync/broker"
	"github.com/bringyour/statesync/signal"
)

const SignalCtlVersion = "0.0.1"

const ProviderEndpoint = "SignalCtl"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Signal control.

Runs full stack signals against an in process state broker.

Usage:
    signalctl counter [--clients=<clients>] [--increments=<increments>]
        [--timeout=<timeout>]
    signalctl list [--items=<items>]
        [--timeout=<timeout>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --clients=<clients>          Concurrent signals [default: 4].
    --increments=<increments>    Updates per signal [default: 16].
    --items=<items>              List items to insert [default: 8].
    --timeout=<timeout>          Give up after this duration [default: 30s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SignalCtlVersion)
	if err != nil {
		panic(err)
	}

	if counter_, _ := opts.Bool("counter"); counter_ {
		counter(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	}
}

func timeoutContext(opts docopt.Opts) (context.Context, context.CancelFunc) {
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		panic(err)
	}
	return context.WithTimeout(context.Background(), timeout)
}

// progress lines are written only to a terminal
func progress(format string, a ...any) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		Out.Printf(format, a...)
	}
}

// each client runs read-modify-write updates on one shared counter
func counter(opts docopt.Opts) {
	clients, _ := opts.Int("--clients")
	increments, _ := opts.Int("--increments")

	ctx, cancel := timeoutContext(opts)
	defer cancel()

	b := broker.NewBrokerWithDefaults(ctx)
	defer b.Close()

	startTime := time.Now()

	eg, egCtx := errgroup.WithContext(ctx)
	attempts := make([]int, clients)
	for i := 0; i < clients; i += 1 {
		eg.Go(func() error {
			s := signal.NewFullStackSignalWithDefaults(egCtx, b.Transport(), ProviderEndpoint, "counter", nil)
			defer s.Close()
			number := signal.NewNumberSignal(s, signal.ZeroId)
			for j := 0; j < increments; j += 1 {
				update := number.Update(egCtx, func(current float64) float64 {
					return current + 1
				})
				accepted, err := update.Wait(egCtx)
				if err != nil {
					return err
				}
				if !accepted {
					return errors.New("Update not accepted.")
				}
				attempts[i] += update.Attempts()
			}
			progress("[%d] done %d increments in %d attempts\n", i, increments, attempts[i])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		Err.Printf("Counter failed: %s\n", err)
		os.Exit(1)
	}

	value, _ := signal.FromValue[float64](b.Tree(ProviderEndpoint, "counter").Value(signal.ZeroId))
	totalAttempts := 0
	for _, a := range attempts {
		totalAttempts += a
	}
	Out.Printf(
		"counter = %.0f (expected %d) in %d attempts (%.2fms)\n",
		value,
		clients*increments,
		totalAttempts,
		float64(time.Since(startTime))/float64(time.Millisecond),
	)
	if int(value) != clients*increments {
		os.Exit(1)
	}
}

// inserts items, removes every other item, and prints the public list as it changes
func list(opts docopt.Opts) {
	items, _ := opts.Int("--items")

	ctx, cancel := timeoutContext(opts)
	defer cancel()

	b := broker.NewBrokerWithDefaults(ctx)
	defer b.Close()

	s := signal.NewFullStackSignalWithDefaults(ctx, b.Transport(), ProviderEndpoint, "list", nil)
	defer s.Close()

	l := signal.NewListSignal[int](s, signal.ZeroId)
	unobserve := l.Observe(func(values []int) {
		progress("%v\n", values)
	})
	defer unobserve()

	inserts := []*signal.InsertOperation[int]{}
	for i := 0; i < items; i += 1 {
		inserts = append(inserts, l.InsertLast(i+1))
	}
	for _, insert := range inserts {
		if accepted, err := insert.Wait(ctx); !accepted || err != nil {
			Err.Printf("Insert failed: %t %v\n", accepted, err)
			os.Exit(1)
		}
	}

	removes := []*signal.Operation{}
	for i, insert := range inserts {
		if i%2 == 1 {
			removes = append(removes, l.Remove(insert.Item))
		}
	}
	for _, remove := range removes {
		if accepted, err := remove.Wait(ctx); !accepted || err != nil {
			Err.Printf("Remove failed: %t %v\n", accepted, err)
			os.Exit(1)
		}
	}

	values, err := l.Values()
	if err != nil {
		panic(err)
	}
	Out.Printf("list = %v\n", values)
	Out.Printf("confirmed = %t\n", s.ConfirmedTree().Equal(s.Tree()))
}
