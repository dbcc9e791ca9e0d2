// Command wirecall issues echo calls against a wireserve instance and
// reports round-trip behavior, including transport-level pings.
package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fullstorydev/grpcwire"
	"github.com/fullstorydev/grpcwire/wiretesting"
)

var (
	target  string
	payload string
	count   int
	timeout time.Duration
	verbose bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "wirecall",
		Short: "Call the grpcwire echo service",
		RunE:  run,
	}
	cmd.Flags().StringVarP(&target, "target", "t", "passthrough:///127.0.0.1:7070", "channel target")
	cmd.Flags().StringVarP(&payload, "payload", "p", "ping", "message payload")
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of calls")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "per-call deadline")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ch, err := grpcwire.Dial(target,
		grpcwire.WithLogger(log),
		grpcwire.WithUserAgent("wirecall/1.0"),
		grpcwire.WithIdleTimeout(time.Minute),
	)
	if err != nil {
		return err
	}
	defer func() {
		ch.Shutdown()
		ch.AwaitTermination(5 * time.Second)
	}()

	for i := 0; i < count; i++ {
		opts := wiretesting.CallOptions().WithDeadlineAfter(timeout)
		var resp []byte
		started := time.Now()
		if err := ch.Invoke(context.Background(), wiretesting.UnaryMethod, []byte(payload), &resp, opts); err != nil {
			log.WithError(err).Error("call failed")
			return err
		}
		log.WithFields(logrus.Fields{
			"rtt":   time.Since(started),
			"bytes": len(resp),
		}).Info("echo ok")
	}
	return nil
}
