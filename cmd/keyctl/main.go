// keyctl sends commands to a running keyboard-remapping daemon over its
// TCP control socket.
//
// Usage:
//
//	keyctl [flags] status
//	keyctl [flags] layers
//	keyctl [flags] layer <name>
//	keyctl [flags] fake-key <name> <press|release|tap|toggle>
//	keyctl [flags] reload
//	keyctl [flags] tail
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keyflow/keylink/internal/api"
	"github.com/keyflow/keylink/internal/connection"
	"github.com/keyflow/keylink/internal/router"
	"github.com/keyflow/keylink/internal/version"
	"github.com/keyflow/keylink/internal/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:37001", "daemon address (host:port)")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "keyctl: missing command (status, layers, layer, fake-key, reload, tail)")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	connCfg := connection.DefaultManagerConfig()
	connCfg.Addr = *addr
	connCfg.RequestTimeout = *timeout
	connCfg.ClientName = "keyctl"

	if err := run(ctx, connCfg, logger, *timeout, args); err != nil {
		fmt.Fprintln(os.Stderr, "keyctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, connCfg connection.ManagerConfig, logger *slog.Logger, timeout time.Duration, args []string) error {
	if args[0] == "tail" {
		return tail(ctx, connCfg, logger)
	}

	mgr := connection.NewManager(connCfg, nil, logger)
	defer mgr.Close()

	client := api.NewClient(mgr, api.WithLogger(logger), api.WithTimeout(timeout))

	switch args[0] {
	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("version:       %s\n", st.Version)
		fmt.Printf("uptime:        %s\n", time.Duration(st.UptimeSecs)*time.Second)
		if st.LastReloadAt > 0 {
			fmt.Printf("last reload:   %s\n", time.Unix(st.LastReloadAt, 0).Format(time.RFC3339))
		}
		fmt.Printf("live reloads:  %d\n", st.LiveReloads)
		return nil

	case "layers":
		names, err := client.LayerNames(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case "layer":
		if len(args) < 2 {
			return fmt.Errorf("layer: missing layer name")
		}
		return client.ChangeLayer(ctx, args[1])

	case "fake-key":
		if len(args) < 3 {
			return fmt.Errorf("fake-key: usage: fake-key <name> <press|release|tap|toggle>")
		}
		action, err := parseFakeKeyAction(args[2])
		if err != nil {
			return err
		}
		return client.FakeKey(ctx, args[1], action)

	case "reload":
		// Reloads can take far longer than a normal round trip.
		res, err := client.Reload(ctx, 30*time.Second)
		if err != nil {
			return err
		}
		if res.Ready {
			fmt.Println("reload complete")
		} else {
			fmt.Println("reload accepted")
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func parseFakeKeyAction(s string) (api.FakeKeyAction, error) {
	switch strings.ToLower(s) {
	case "press":
		return api.FakeKeyPress, nil
	case "release":
		return api.FakeKeyRelease, nil
	case "tap":
		return api.FakeKeyTap, nil
	case "toggle":
		return api.FakeKeyToggle, nil
	default:
		return "", fmt.Errorf("unknown fake-key action %q", s)
	}
}

// tail connects and prints every broadcast event until interrupted.
func tail(ctx context.Context, connCfg connection.ManagerConfig, logger *slog.Logger) error {
	printEvent := func(kind wire.EventKind, fields ...any) {
		line := time.Now().Format("15:04:05.000") + " " + string(kind)
		for i := 0; i+1 < len(fields); i += 2 {
			line += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
		}
		fmt.Println(line)
	}

	rtr := router.NewRouter(router.Handlers{
		LayerChange: func(lc wire.LayerChange) {
			printEvent(wire.KindLayerChange, "new", lc.New)
		},
		ConfigFileReload: func() {
			printEvent(wire.KindConfigFileReload)
		},
		MessagePush: func(mp wire.MessagePush) {
			printEvent(wire.KindMessagePush, "message", mp.Message)
		},
		Ready: func() {
			printEvent(wire.KindReady)
		},
		ConfigError: func(ce wire.ConfigError) {
			printEvent(wire.KindConfigError, "msg", ce.Msg)
		},
		KeyInput: func(k wire.KeyAction) {
			printEvent(wire.KindKeyInput, "key", k.Key, "action", k.Action)
		},
		HoldActivated: func(k wire.KeyAction) {
			printEvent(wire.KindHoldActivated, "key", k.Key, "action", k.Action)
		},
		TapActivated: func(k wire.KeyAction) {
			printEvent(wire.KindTapActivated, "key", k.Key, "action", k.Action)
		},
		OneShotActivated: func(o wire.OneShot) {
			printEvent(wire.KindOneShotActivated, "key", o.Key, "modifiers", strings.Join(o.Modifiers, "+"))
		},
		ChordResolved: func(ch wire.Chord) {
			printEvent(wire.KindChordResolved, "keys", strings.Join(ch.Keys, "+"), "action", ch.Action)
		},
		TapDanceResolved: func(td wire.TapDance) {
			printEvent(wire.KindTapDanceResolved, "key", td.Key, "taps", td.TapCount, "action", td.Action)
		},
		Unknown: func(raw []byte) {
			printEvent(wire.KindUnknown, "raw", string(raw))
		},
	}, logger)

	if err := rtr.Start(ctx); err != nil {
		return err
	}

	mgr := connection.NewManager(connCfg, rtr, logger)
	defer mgr.Close()

	if err := mgr.Ensure(ctx); err != nil {
		return err
	}

	info := mgr.ServerInfo()
	fmt.Fprintf(os.Stderr, "connected to %s (daemon %s, protocol %d)\n",
		connCfg.Addr, info.Version, info.Protocol)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	return rtr.Stop(stopCtx)
}
