package session

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/portalloc"
	"github.com/ooni/whisper/internal/vpntest"
	"github.com/ooni/whisper/internal/workers"
	"github.com/ooni/whisper/pkg/config"
)

// fixture bundles a [Manager] with its test doubles.
type fixture struct {
	rec       *vpntest.Recorder
	bridge    *vpntest.Bridge
	engine    *vpntest.Engine
	allocator *vpntest.Allocator
	notifier  *vpntest.Notifier
	pool      *workers.Pool
	manager   *Manager
}

func newFixture(t *testing.T, ports portalloc.Allocator) *fixture {
	logger := model.NewTestLogger()
	rec := vpntest.NewRecorder()
	f := &fixture{
		rec:       rec,
		bridge:    vpntest.NewBridge(rec),
		allocator: vpntest.NewAllocator(rec),
		notifier:  vpntest.NewNotifier(rec),
		pool:      workers.NewPool(logger, workers.DefaultPoolSize),
	}
	f.engine = vpntest.NewEngine(rec, f.allocator)
	cfg := config.NewConfig(
		config.WithLogger(logger),
		config.WithTimeouts(config.Timeouts{
			GracePeriod: 200 * time.Millisecond,
			SettleDelay: 200 * time.Millisecond,
			DrainGrace:  time.Second,
			DrainForce:  200 * time.Millisecond,
		}),
	)
	f.manager = NewManager(cfg, Components{
		Ports:      ports,
		Bridge:     f.bridge,
		Engine:     f.engine,
		Interfaces: f.allocator,
		Notifier:   f.notifier,
		Pool:       f.pool,
	})
	t.Cleanup(func() {
		f.manager.StopVPN(context.Background())
	})
	return f
}

// waitRuns waits for the engine loop to have been entered n times.
func (f *fixture) waitRuns(t *testing.T, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for f.rec.Count("engine.Run") < n {
		if time.Now().After(deadline) {
			t.Fatalf("engine loop entered %d times, want %d", f.rec.Count("engine.Run"), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_StartVPN(t *testing.T) {
	t.Run("start wires the bridge port into the engine", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}

		wantBridge := []model.BridgeConfig{{
			RemoteURL: "wss://x/",
			Port:      54321,
			DNSURL:    "https://y/",
			DNSAddr:   netip.MustParseAddr("10.0.0.144"),
		}}
		if diff := cmp.Diff(wantBridge, f.bridge.Starts(), cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
			t.Error(diff)
		}

		configs := f.engine.Configs()
		if len(configs) != 1 {
			t.Fatalf("expected one engine config, got %d", len(configs))
		}
		if configs[0].Proxy != "socks5://127.0.0.1:54321" {
			t.Errorf("unexpected proxy %s", configs[0].Proxy)
		}
		if configs[0].Device != "fd://100" {
			t.Errorf("unexpected device %s", configs[0].Device)
		}
		if configs[0].LogLevel != "debug" || configs[0].Mark != 0 || configs[0].TCPModerateReceiveBuffer {
			t.Errorf("unexpected tuning %+v", configs[0])
		}

		if got := f.manager.State(); got != model.StateRunning {
			t.Errorf("expected RUNNING, got %s", got)
		}
		if f.manager.BridgePort() != 54321 {
			t.Errorf("unexpected bridge port %d", f.manager.BridgePort())
		}
		if f.manager.SessionID() == "" {
			t.Error("expected a session ID")
		}
		if !f.notifier.Showing() {
			t.Error("expected the notification to be shown")
		}

		infos := f.allocator.Infos()
		want := model.DefaultTunnelInfo()
		if infos[0].Address != want.Address || infos[0].Route != want.Route || infos[0].DNS != want.DNS || infos[0].MTU != 1500 {
			t.Errorf("unexpected tunnel info %s", infos[0])
		}
		if infos[0].Blocking {
			t.Error("expected a non-blocking device")
		}
		if len(infos[0].Excluded) == 0 || infos[0].Excluded[0] != "wss://x/" {
			t.Errorf("expected the remote to be excluded, got %v", infos[0].Excluded)
		}
		f.waitRuns(t, 1)
	})

	t.Run("empty URLs select the configured ones", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(1080))
		if err := f.manager.StartVPN(context.Background(), "", ""); err != nil {
			t.Fatal(err)
		}
		starts := f.bridge.Starts()
		if starts[0].RemoteURL != config.DefaultRemoteURL || starts[0].DNSURL != config.DefaultDNSURL {
			t.Errorf("unexpected bridge config %+v", starts[0])
		}
	})

	t.Run("URLs are normalized", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(1080))
		if err := f.manager.StartVPN(context.Background(), "x.example", "y.example/q"); err != nil {
			t.Fatal(err)
		}
		starts := f.bridge.Starts()
		if starts[0].RemoteURL != "wss://x.example/" || starts[0].DNSURL != "https://y.example/q" {
			t.Errorf("unexpected bridge config %+v", starts[0])
		}
	})

	t.Run("start is idempotent", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		for i := 0; i < 2; i++ {
			if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
				t.Fatal(err)
			}
		}
		f.waitRuns(t, 1)
		for _, call := range []string{"bridge.Start", "allocator.Establish", "engine.Configure", "notifier.Show"} {
			if n := f.rec.Count(call); n != 1 {
				t.Errorf("expected one %s, got %d", call, n)
			}
		}
		if n := f.pool.Running(); n != 1 {
			t.Errorf("expected one task, got %d", n)
		}
	})

	t.Run("allocation failure has no side effects", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(0))
		err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/")
		if !errors.Is(err, ErrAllocation) {
			t.Fatalf("expected ErrAllocation, got %v", err)
		}
		if len(f.rec.Calls()) != 0 {
			t.Errorf("unexpected calls %v", f.rec.Calls())
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("bridge failure skips the interface", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.bridge.StartErr = errors.New("mocked error")
		err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/")
		if !errors.Is(err, ErrBridgeStart) {
			t.Fatalf("expected ErrBridgeStart, got %v", err)
		}
		if n := f.rec.Count("allocator.Establish"); n != 0 {
			t.Errorf("expected no interface, got %d", n)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("declined interface aborts and stops the bridge", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.allocator.Decline = true
		err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/")
		if !errors.Is(err, ErrInterfaceEstablish) {
			t.Fatalf("expected ErrInterfaceEstablish, got %v", err)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
		if f.pool.Running() != 0 || f.rec.Count("engine.Configure") != 0 {
			t.Error("expected no engine task")
		}
		if f.bridge.Running() || f.rec.Count("bridge.Stop") != 1 {
			t.Error("expected the bridge to be stopped")
		}
		if f.manager.BridgePort() != 0 {
			t.Errorf("unexpected bridge port %d", f.manager.BridgePort())
		}
	})

	t.Run("interface error aborts and stops the bridge", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.allocator.Err = errors.New("mocked error")
		err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/")
		if !errors.Is(err, ErrInterfaceEstablish) {
			t.Fatalf("expected ErrInterfaceEstablish, got %v", err)
		}
		if f.bridge.Running() {
			t.Error("expected the bridge to be stopped")
		}
	})

	t.Run("engine failure closes the device and stops the bridge", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.engine.ConfigureErr = errors.New("mocked error")
		err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/")
		if !errors.Is(err, ErrEngineStart) {
			t.Fatalf("expected ErrEngineStart, got %v", err)
		}
		dev := f.allocator.Devices()[0]
		if dev.Releases() != 1 || dev.Detached() {
			t.Errorf("expected the device to be closed once, got %d releases", dev.Releases())
		}
		if f.bridge.Running() {
			t.Error("expected the bridge to be stopped")
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("a rejected engine task hands the descriptor to the engine", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		if err := f.pool.Shutdown(context.Background(), time.Millisecond, time.Millisecond); err != nil {
			t.Fatal(err)
		}
		err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/")
		if !errors.Is(err, ErrEngineStart) {
			t.Fatalf("expected ErrEngineStart, got %v", err)
		}
		dev := f.allocator.Devices()[0]
		if !dev.Detached() || dev.Releases() != 1 || dev.Teardowns() != 1 {
			t.Errorf("expected one release after detach, got detached=%v releases=%d teardowns=%d",
				dev.Detached(), dev.Releases(), dev.Teardowns())
		}
		if f.rec.Index("bridge.Stop") > f.rec.Index("device.Teardown") {
			t.Errorf("device state removed before the bridge stopped: %v", f.rec.Calls())
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("notification failures are not fatal", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.notifier.ShowErr = errors.New("mocked error")
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		if f.manager.State() != model.StateRunning {
			t.Errorf("expected RUNNING, got %s", f.manager.State())
		}
	})
}

func TestManager_StopVPN(t *testing.T) {
	t.Run("stop when idle is a no-op", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		for i := 0; i < 2; i++ {
			if err := f.manager.StopVPN(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		for _, call := range []string{"engine.Stop", "bridge.Stop"} {
			if n := f.rec.Count(call); n != 0 {
				t.Errorf("expected no %s, got %d", call, n)
			}
		}
	})

	t.Run("teardown releases the descriptor once and in order", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		f.waitRuns(t, 1)
		if err := f.manager.StopVPN(context.Background()); err != nil {
			t.Fatal(err)
		}

		dev := f.allocator.Devices()[0]
		if !dev.Detached() {
			t.Error("expected the descriptor to be detached")
		}
		if dev.Releases() != 1 {
			t.Errorf("expected one release, got %d", dev.Releases())
		}

		hide, engineStop, bridgeStop := f.rec.Index("notifier.Hide"), f.rec.Index("engine.Stop"), f.rec.Index("bridge.Stop")
		teardown := f.rec.Index("device.Teardown")
		if hide < 0 || engineStop < 0 || bridgeStop < 0 || teardown < 0 {
			t.Fatalf("missing teardown calls: %v", f.rec.Calls())
		}
		if !(hide < engineStop && engineStop < bridgeStop && bridgeStop < teardown) {
			t.Errorf("unexpected teardown order: %v", f.rec.Calls())
		}
		if dev.Teardowns() != 1 {
			t.Errorf("expected one device teardown, got %d", dev.Teardowns())
		}
		if f.pool.Running() != 0 {
			t.Error("expected the pool to be drained")
		}
		if f.manager.State() != model.StateIdle || f.manager.BridgePort() != 0 || f.manager.SessionID() != "" {
			t.Error("expected a clean idle session")
		}
		if f.notifier.Showing() {
			t.Error("expected the notification to be hidden")
		}
	})

	t.Run("concurrent stops tear down once", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.bridge.NoAck = true
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		f.waitRuns(t, 1)

		wg := &sync.WaitGroup{}
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.manager.StopVPN(context.Background())
			}()
		}
		wg.Wait()

		if n := f.rec.Count("engine.Stop"); n != 1 {
			t.Errorf("expected one engine stop, got %d", n)
		}
		if n := f.rec.Count("bridge.Stop"); n != 1 {
			t.Errorf("expected one bridge stop, got %d", n)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("start while stopping is rejected", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.bridge.NoAck = true
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}

		stopped := make(chan error)
		go func() {
			stopped <- f.manager.StopVPN(context.Background())
		}()

		// the missing acknowledgment keeps the teardown in Stopping
		deadline := time.Now().Add(5 * time.Second)
		for f.manager.State() != model.StateStopping {
			if time.Now().After(deadline) {
				t.Fatal("never observed STOPPING")
			}
			time.Sleep(time.Millisecond)
		}
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); !errors.Is(err, ErrStopping) {
			t.Errorf("expected ErrStopping, got %v", err)
		}
		if err := <-stopped; err != nil {
			t.Fatal(err)
		}
	})

	t.Run("teardown errors are collected", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.engine.StopErr = errors.New("engine mocked error")
		f.bridge.StopErr = errors.New("bridge mocked error")
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		err := f.manager.StopVPN(context.Background())
		if !errors.Is(err, ErrEngineStop) || !errors.Is(err, ErrBridgeStop) {
			t.Errorf("expected both teardown errors, got %v", err)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("stopping before the engine loop starts releases the descriptor", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		for i := 0; i < workers.DefaultPoolSize; i++ {
			_, err := f.pool.Submit("busy", func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		if err := f.manager.StopVPN(context.Background()); err != nil {
			t.Fatal(err)
		}
		dev := f.allocator.Devices()[0]
		if dev.Releases() != 1 {
			t.Errorf("expected one release, got %d", dev.Releases())
		}
		if n := f.rec.Count("engine.Run"); n != 0 {
			t.Errorf("the engine loop ran %d times after stop", n)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("an engine loop failure is reported", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.engine.RunErr = errors.New("device close mocked error")
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		f.waitRuns(t, 1)
		if err := f.manager.StopVPN(context.Background()); !errors.Is(err, ErrEngineStop) {
			t.Errorf("expected ErrEngineStop, got %v", err)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})

	t.Run("a start during the drain cannot lose its engine loop", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.engine.ExitDelay = 600 * time.Millisecond
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		f.waitRuns(t, 1)

		stopped := make(chan error, 1)
		go func() {
			stopped <- f.manager.StopVPN(context.Background())
		}()
		// past the settle delay, the first engine loop is still exiting
		time.Sleep(300 * time.Millisecond)
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); !errors.Is(err, ErrStopping) {
			t.Fatalf("expected ErrStopping while draining, got %v", err)
		}
		if err := <-stopped; err != nil {
			t.Fatal(err)
		}

		f.engine.ExitDelay = 0
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		f.waitRuns(t, 2)
		time.Sleep(100 * time.Millisecond)
		if f.manager.State() != model.StateRunning || f.pool.Running() != 1 {
			t.Errorf("expected a running engine loop, got state=%s tasks=%d", f.manager.State(), f.pool.Running())
		}
	})

	t.Run("a cancelled context bounds the teardown", func(t *testing.T) {
		f := newFixture(t, portalloc.Fixed(54321))
		f.bridge.NoAck = true
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		f.manager.StopVPN(ctx)
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("teardown took %s", elapsed)
		}
		if f.manager.State() != model.StateIdle {
			t.Errorf("expected IDLE, got %s", f.manager.State())
		}
	})
}

func TestManager_Restart(t *testing.T) {
	f := newFixture(t, portalloc.Fixed(54321))
	for i := 1; i <= 2; i++ {
		if err := f.manager.StartVPN(context.Background(), "wss://x/", "https://y/"); err != nil {
			t.Fatal(err)
		}
		f.waitRuns(t, i)
		if err := f.manager.StopVPN(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for _, dev := range f.allocator.Devices() {
		if dev.Releases() != 1 {
			t.Errorf("%s: expected one release, got %d", dev.Name(), dev.Releases())
		}
	}
	if n := f.rec.Count("engine.Run"); n != 2 {
		t.Errorf("expected two engine runs on the same pool, got %d", n)
	}
}
