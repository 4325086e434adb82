// Command whisper routes the traffic of this host through a wisp server.
//
// It must run with the privileges needed to create TUN interfaces and
// change routes. SIGINT and SIGTERM disconnect and exit; SIGHUP tears the
// tunnel down and brings it up again.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/ooni/whisper/internal/service"
	"github.com/ooni/whisper/pkg/config"
	"github.com/ooni/whisper/pkg/tunnel"
)

var (
	startTime = time.Now()
)

// host is the hosting process. StopSelf makes main return.
type host struct {
	cancel context.CancelFunc
}

func (h *host) StopSelf() {
	h.cancel()
}

func verbosityLevel(verbosity uint16) log.Level {
	switch verbosity {
	case uint16(1):
		return log.FatalLevel
	case uint16(2):
		return log.ErrorLevel
	case uint16(3):
		return log.WarnLevel
	case uint16(4):
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optRemote := getopt.StringLong("remote", 'r', "", "Wisp server URL")
	optDNS := getopt.StringLong("doh", 'd', "", "DNS-over-HTTPS resolver URL")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")

	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()

	if *helpFlag {
		getopt.Usage()
		os.Exit(0)
	}

	logger := &log.Logger{Level: verbosityLevel(*optVerbosity), Handler: &logHandler{Writer: os.Stderr}}
	logger.Debugf("config file: %s", *optConfig)

	opts := []config.Option{
		config.WithLogger(logger),
	}
	if *optConfig != "" {
		opts = append(opts, config.WithConfigFile(*optConfig))
	}
	opts = append(opts, config.WithRemoteURL(*optRemote), config.WithDNSURL(*optDNS))
	cfg := config.NewConfig(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := tunnel.New(cfg, &host{cancel: cancel})
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}
	defer driver.OnDestroy(context.Background())

	exitCode := 0
	if driver.OnStartCommand(context.Background(), nil) != service.StartSticky {
		exitCode = 1
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			if exitCode != 0 {
				driver.OnDestroy(context.Background())
				os.Exit(exitCode)
			}
			return

		case sig := <-sigs:
			logger.Infof("got %s", sig)
			switch sig {
			case syscall.SIGHUP:
				driver.OnRevoke(context.Background())
				if driver.OnStartCommand(context.Background(), nil) != service.StartSticky {
					exitCode = 1
				}
			default:
				driver.OnStartCommand(context.Background(), &service.Intent{Action: service.ActionDisconnect})
			}
		}
	}
}
