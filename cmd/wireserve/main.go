// Command wireserve runs the echo service on a plaintext HTTP/2 listener,
// with prometheus metrics on a side port. It exists for interop poking and
// as a worked example of server wiring.
package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fullstorydev/grpcwire"
	"github.com/fullstorydev/grpcwire/status"
	"github.com/fullstorydev/grpcwire/wiretesting"
)

var (
	listenAddr  string
	metricsAddr string
	verbose     bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "wireserve",
		Short: "Serve the grpcwire echo service",
		RunE:  run,
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:7070", "address to serve on")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address for prometheus metrics (disabled when empty)")
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

	svr := grpcwire.NewServer(grpcwire.WithServerLogger(log))
	svr.RegisterService((&wiretesting.EchoServer{}).ServiceDesc())

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	if err := svr.Start(lis); err != nil {
		return err
	}
	log.WithField("addr", lis.Addr().String()).Info("serving")

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.WithError(err).Warn("metrics listener failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	svr.Shutdown()
	if !svr.AwaitTermination(10 * time.Second) {
		log.Warn("forcing shutdown")
		svr.ShutdownNow(status.Unavailable.WithDescription("server exiting"))
		svr.AwaitTermination(time.Second)
	}
	return nil
}
