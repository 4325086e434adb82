package engine

import (
	"fmt"
	"sync"

	"github.com/xjasonlyu/tun2socks/v2/core/device"
	"github.com/xjasonlyu/tun2socks/v2/restapi"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/ooni/whisper/internal/model"
)

// runtime is a started routing stack.
type runtime struct {
	device device.Device
	stack  *stack.Stack
}

// close closes the device first, which unblocks the packet loops, then
// waits for the netstack to wind down.
func (rt *runtime) close() error {
	var err error
	if cerr := rt.device.Close(); cerr != nil {
		err = fmt.Errorf("%w: device: %s", ErrStop, cerr)
	}
	rt.stack.Close()
	rt.stack.Wait()
	current.set(nil)
	return err
}

// current is the running stack whose statistics the REST API reports.
var current = &statsSource{}

type statsSource struct {
	mu    sync.Mutex
	stack *stack.Stack
}

func (s *statsSource) set(st *stack.Stack) {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.stack = st
}

func (s *statsSource) stats() tcpip.Stats {
	defer s.mu.Unlock()
	s.mu.Lock()
	if s.stack == nil {
		return tcpip.Stats{}
	}
	return s.stack.Stats()
}

// restAPIOnce guards the REST API server, which cannot be stopped and so
// lives as long as the process.
var restAPIOnce sync.Once

// serveRestAPI points the REST API at rt and starts the server on first use.
func serveRestAPI(logger model.Logger, address string, rt *runtime) {
	current.set(rt.stack)
	restAPIOnce.Do(func() {
		host, token, err := parseRestAPI(address)
		if err != nil {
			logger.Warnf("engine: rest api: %s", err.Error())
			return
		}
		restapi.SetStatsFunc(current.stats)
		go func() {
			if err := restapi.Start(host, token); err != nil {
				logger.Warnf("engine: rest api: %s", err.Error())
			}
		}()
		logger.Infof("engine: rest api at http://%s", host)
	})
}
