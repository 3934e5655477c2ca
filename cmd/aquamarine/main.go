// Command aquamarine is a BLE explorer for NCP modules: it scans for
// peripherals, walks their GATT databases, and can serve stack events to
// WebSocket subscribers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bridge"
	"github.com/jnorth314/Aquamarine/cache"
	"github.com/jnorth314/Aquamarine/ncp"
)

func main() {
	app := cli.NewApp()
	app.Name = "aquamarine"
	app.Usage = "BLE explorer for NCP modules"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "uart, u", Usage: "serial port of the module"},
		cli.UintFlag{Name: "baud, b", Usage: "override the serial baud rate"},
		cli.StringFlag{Name: "socket, s", Usage: "TCP address of a serial device server"},
		cli.StringFlag{Name: "table, t", Usage: "extra opcode table (JSON) to merge"},
		cli.BoolFlag{Name: "verbose, v", Usage: "enable trace logging"},
	}

	app.Commands = []cli.Command{
		{
			Name:  "scan",
			Usage: "scan for advertising devices",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: 20 * time.Second, Usage: "scan duration, 0 for indefinite"},
			},
			Action: runScan,
		},
		{
			Name:  "explore",
			Usage: "connect to a device and walk its GATT database",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "addr, a", Usage: "address of the peripheral"},
				cli.UintFlag{Name: "addr-type", Usage: "address type (0 public, 1 random)"},
				cli.StringFlag{Name: "cache, c", Usage: "profile cache file"},
				cli.DurationFlag{Name: "scan-timeout", Value: 30 * time.Second, Usage: "how long to look for the peripheral"},
				cli.DurationFlag{Name: "sub", Usage: "subscribe to notifying characteristics for this long"},
				cli.StringFlag{Name: "listen, l", Usage: "also publish events over WebSocket at this address"},
			},
			Action: runExplore,
		},
		{
			Name:  "serve",
			Usage: "scan continuously and publish events over WebSocket",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "listen, l", Value: ":8080", Usage: "HTTP listen address"},
			},
			Action: runServe,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newDevice builds and boots a device from the global transport flags.
func newDevice(c *cli.Context, extra ...aqua.Option) (*ncp.Device, error) {
	if c.GlobalBool("verbose") {
		aqua.SetLogLevelMax()
	}

	var opts []aqua.Option
	switch {
	case c.GlobalString("uart") != "":
		opts = append(opts, aqua.OptTransportUART(c.GlobalString("uart"), c.GlobalUint("baud")))
	case c.GlobalString("socket") != "":
		opts = append(opts, aqua.OptTransportSocket(c.GlobalString("socket"), 2*time.Second))
	default:
		return nil, fmt.Errorf("no transport: set --uart or --socket")
	}

	if p := c.GlobalString("table"); p != "" {
		opts = append(opts, aqua.OptOpcodeTable(p))
	}
	opts = append(opts, extra...)

	d, err := ncp.NewDevice(opts...)
	if err != nil {
		return nil, err
	}

	if err := d.Init(); err != nil {
		return nil, err
	}

	return d, nil
}

func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}

func runScan(c *cli.Context) error {
	d, err := newDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	if sd := c.Duration("duration"); sd > 0 {
		ctx, cancel = context.WithTimeout(ctx, sd)
		defer cancel()
	}

	registry := ncp.NewScanRegistry()
	err = d.Scan(ctx, func(a aqua.Advertisement) {
		if registry.Observe(a) {
			fmt.Printf("%s type=%d rssi=%d connectable=%v data=%x\n",
				a.Addr(), a.AddrType(), a.RSSI(), a.Connectable(), a.Data())
		}
	})
	if err != nil {
		return err
	}

	fmt.Printf("%d device(s) seen\n", len(registry.Devices()))
	return nil
}

func runExplore(c *cli.Context) error {
	target := c.String("addr")
	if target == "" {
		return fmt.Errorf("no peripheral: set --addr")
	}

	d, err := newDevice(c)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	var hub *bridge.Hub
	if laddr := c.String("listen"); laddr != "" {
		hub = bridge.NewHub()
		defer hub.Close()

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv := &http.Server{Addr: laddr, Handler: mux}
		go srv.ListenAndServe()
		defer srv.Shutdown(context.Background())
	}

	if err := waitForDevice(ctx, d, target, c.Duration("scan-timeout")); err != nil {
		return err
	}

	addr := aqua.NewAddr(target)
	conn, err := d.Connect(ctx, addr, uint8(c.Uint("addr-type")))
	if err != nil {
		return err
	}
	defer func() {
		conn.Disconnect(context.Background())
		if hub != nil {
			hub.PublishConnection(addr, conn.Handle(), ncp.Closed.String(), conn.Reason())
		}
	}()

	if hub != nil {
		hub.PublishConnection(addr, conn.Handle(), ncp.Connected.String(), 0)
	}

	profile, err := conn.DiscoverProfile(ctx)
	if err != nil {
		return err
	}

	for _, s := range profile.Services {
		fmt.Printf("service %s\n", s.UUID)
		for _, ch := range s.Characteristics {
			fmt.Printf("  characteristic %s [%s] handle=%d\n", ch.UUID, ch.Properties, ch.Handle)
		}
	}

	if path := c.String("cache"); path != "" {
		pc := cache.New(path)
		if err := pc.Store(addr, profile, true); err != nil {
			return err
		}
		fmt.Printf("profile cached to %s\n", path)
	}

	if sd := c.Duration("sub"); sd > 0 {
		if err := watchNotifications(ctx, conn, profile, sd, hub); err != nil {
			return err
		}
	}

	return nil
}

// watchNotifications subscribes to every notifying characteristic and
// prints incoming values for the given window, echoing them to hub when
// one is up.
func watchNotifications(ctx context.Context, conn *ncp.Conn, profile aqua.Profile, window time.Duration, hub *bridge.Hub) error {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var streams []*ncp.Notifications
	defer func() {
		for _, n := range streams {
			n.Unsubscribe(context.Background())
		}
	}()

	for _, s := range profile.Services {
		for _, ch := range s.Characteristics {
			if ch.Properties&(aqua.CharNotify|aqua.CharIndicate) == 0 {
				continue
			}

			n, err := conn.Subscribe(ctx, ch.Handle, ch.Properties&aqua.CharNotify == 0)
			if err != nil {
				return err
			}
			streams = append(streams, n)

			go func(uuid aqua.UUID) {
				for v := range n.C() {
					fmt.Printf("%s: %x\n", uuid, v.Value)
					if hub != nil {
						hub.PublishNotification(v)
					}
				}
			}(ch.UUID)
		}
	}

	fmt.Printf("listening for %s...\n", window)
	<-ctx.Done()
	return nil
}

// waitForDevice scans until the target advertises, so the connect request
// lands while the peer is known reachable.
func waitForDevice(ctx context.Context, d *ncp.Device, target string, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan struct{}, 1)
	err := d.ScanFiltered(sctx, func(a aqua.Advertisement) {
		select {
		case found <- struct{}{}:
			cancel()
		default:
		}
	}, func(a aqua.Advertisement) bool {
		return strings.EqualFold(a.Addr().String(), target)
	})
	if err != nil {
		return err
	}

	select {
	case <-found:
		return nil
	default:
		return fmt.Errorf("%s did not advertise within %s", target, timeout)
	}
}

func runServe(c *cli.Context) error {
	hub := bridge.NewHub()
	defer hub.Close()

	d, err := newDevice(c, aqua.OptErrorHandler(func(err error) {
		hub.PublishFault(err)
	}))
	if err != nil {
		return err
	}
	defer d.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	srv := &http.Server{Addr: c.String("listen"), Handler: mux}

	ctx, cancel := interruptible(context.Background())
	defer cancel()

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	go func() {
		err := d.Scan(ctx, func(a aqua.Advertisement) {
			hub.PublishAdvertisement(a)
		})
		if err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, err)
			cancel()
		}
	}()

	fmt.Printf("serving on %s\n", c.String("listen"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
