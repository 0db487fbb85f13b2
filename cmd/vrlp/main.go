// Command vrlp is the VRLP command-line tool.
//
// vrlp moves files across a byte transport as VRLP packet streams, one
// stream id per file, and recovers them on the other side even when the
// transport splits, coalesces or corrupts deliveries.
//
//	vrlp send    [-config f.toml] -link URL file...
//	vrlp recv    [-config f.toml] -link URL [-out dir] [-streams n]
//	vrlp inspect [-config f.toml] capture.vrlp
//
// Link URLs: tcp://host:port, tcp-listen://[host]:port, udp://host:port,
// udp-listen://[host]:port, ws://host:port/path, ws-listen://[host]:port/path,
// webrtc://host:port/ws?pin=NNNN, webrtc-listen://[host]:port[?pin=NNNN] and
// file:path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/1ureka/vrlp/internal/config"
	"github.com/1ureka/vrlp/internal/transport"
	"github.com/1ureka/vrlp/internal/util"
)

var version = "dev"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vrlp <send|recv|inspect> [flags] [args]")
	fmt.Fprintln(os.Stderr, "run 'vrlp <command> -h' for command flags")
	os.Exit(2)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	config *string
	link   *string
	mtu    *int
	chunk  *int
	debug  *bool
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config: fs.String("config", "", "TOML configuration file"),
		link:   fs.String("link", "", "link URL (overrides the config file)"),
		mtu:    fs.Int("mtu", 0, "max bytes per stream packet (overrides the config file)"),
		chunk:  fs.Int("chunk", -1, "re-slice sent packets into deliveries of this size (overrides the config file)"),
		debug:  fs.Bool("debug", false, "enable debug logging"),
	}
}

// load reads the config file and applies flag overrides.
func (c commonFlags) load() (config.Config, error) {
	if *c.debug {
		util.EnableDebug()
	}
	cfg, err := config.Load(*c.config)
	if err != nil {
		return cfg, err
	}
	if *c.link != "" {
		cfg.Link = *c.link
	}
	if *c.mtu > 0 {
		cfg.MTU = *c.mtu
	}
	if *c.chunk >= 0 {
		cfg.Chunk = *c.chunk
	}
	return cfg, cfg.Validate()
}

func fatal(format string, args ...any) {
	util.LogError(format, args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	common := addCommon(fs)

	switch cmd {
	case "send":
		fs.Parse(args)
		cfg, err := common.load()
		if err != nil {
			fatal("%v", err)
		}
		pterm.Info.Println(fmt.Sprintf("vrlp v%s", version))

		link := open(ctx, cfg, true)
		defer link.Close()
		util.StartStatsReporter(ctx, cfg.StatsInterval)

		if err := runSend(ctx, cfg, link, fs.Args()); err != nil {
			fatal("send failed: %v", err)
		}
		util.LogInfo("sent %d file(s)", fs.NArg())

	case "recv":
		out := fs.String("out", ".", "directory for stream-<sid>.bin files")
		streams := fs.Int("streams", -1, "stop after this many streams end (default: configured channels, 0 waits for the link to close)")
		fs.Parse(args)
		cfg, err := common.load()
		if err != nil {
			fatal("%v", err)
		}
		pterm.Info.Println(fmt.Sprintf("vrlp v%s", version))

		want := *streams
		if want < 0 {
			want = len(cfg.Channels)
		}

		link := open(ctx, cfg, false)
		defer link.Close()
		util.StartStatsReporter(ctx, cfg.StatsInterval)

		written, err := runRecv(ctx, cfg, link, *out, want)
		if err != nil {
			fatal("recv failed: %v", err)
		}
		for sid, n := range written {
			util.LogFields("stream written", "sid", sid, "bytes", n, "file", streamFileName(sid))
		}

	case "inspect":
		fs.Parse(args)
		cfg, err := common.load()
		if err != nil {
			fatal("%v", err)
		}
		if fs.NArg() != 1 {
			fatal("inspect takes exactly one capture file")
		}
		if err := runInspect(cfg, fs.Arg(0), os.Stdout); err != nil {
			fatal("inspect failed: %v", err)
		}

	default:
		usage()
	}
}

// open parses and opens the configured link, exiting on failure.
func open(ctx context.Context, cfg config.Config, sending bool) transport.Link {
	ep, err := parseLink(cfg.Link)
	if err != nil {
		fatal("%v", err)
	}
	link, err := openLink(ctx, ep, cfg, sending)
	if err != nil {
		fatal("failed to open link: %v", err)
	}
	util.LogInfo("link %s ready", cfg.Link)
	return link
}
