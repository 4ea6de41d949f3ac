package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/LoveWonYoung/conuds/agent"
	"github.com/LoveWonYoung/conuds/config"
	"github.com/LoveWonYoung/conuds/discovery"
	"github.com/LoveWonYoung/conuds/flash"
	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/session"
)

const usageText = `Usage:
  ota-agent server [-t device] [-m manifest] [-save-dir dir] [-port 10000] [-iface eth0]
  ota-agent client flash -n node -b binary [-host name.local | -addr host:port]
`

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(ctx, os.Args[2:])
	case "client":
		err = runClient(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}
	if err != nil {
		log.Printf("[main] %v", err)
		cancel()
		os.Exit(1)
	}
}

func runServer(ctx context.Context, args []string) error {
	settings := config.DefaultSettings()
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	device := fs.String("t", settings.Device, "CAN device")
	manifestPath := fs.String("m", settings.Manifest, "Path to the node manifest")
	saveDir := fs.String("save-dir", "/var/lib/ota-agent", "Where uploaded binaries are kept")
	port := fs.Int("port", discovery.DefaultPort, "HTTP port")
	iface := fs.String("iface", "", "Advertise the IPv4 address of this interface")
	name := fs.String("name", discovery.LocalName(), "mDNS name to advertise")
	logDir := fs.String("log-dir", settings.LogDir, "Directory for log files")
	verbose := fs.Bool("v", settings.Debug, "Verbose logging")
	fs.Parse(args)

	if f, err := logrecorder.Init(*logDir, "ota_agent_"); err != nil {
		log.Printf("[main] file logging disabled: %v", err)
	} else {
		defer f.Close()
	}
	logrecorder.SetVerbose(*verbose)
	log.Println("[main] ota-agent starting")

	m, err := config.LoadManifest(*manifestPath)
	if err != nil {
		return err
	}

	open := func(node *config.Node, progress flash.Progress) (agent.Flasher, error) {
		s, err := session.ForNode(*device, node, false, session.WithProgress(progress))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	srv, err := agent.NewServer(m, *saveDir, open)
	if err != nil {
		return err
	}

	var ip net.IP
	if *iface != "" {
		if ip, err = discovery.InterfaceIPv4(*iface); err != nil {
			return err
		}
	}
	adv, err := discovery.Advertise(*name, ip)
	if err != nil {
		// uploads by address still work
		logrecorder.Errorf("[mdns] %v", err)
	} else {
		defer adv.Close()
	}

	return srv.Run(ctx, ":"+strconv.Itoa(*port))
}

func runClient(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "flash" {
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown client command")
	}
	fs := flag.NewFlagSet("client flash", flag.ExitOnError)
	node := fs.String("n", "", "Node to flash")
	binary := fs.String("b", "", "Binary to upload")
	host := fs.String("host", "ota-agent.local", "mDNS name of the agent")
	addr := fs.String("addr", "", "Agent address (host:port), skips mDNS")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall timeout")
	fs.Parse(args[1:])
	if *node == "" || *binary == "" {
		return fmt.Errorf("-n and -b are required")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	target := *addr
	if target == "" {
		qctx, qcancel := context.WithTimeout(ctx, 5*time.Second)
		ip, err := discovery.Resolve(qctx, *host)
		qcancel()
		if err != nil {
			return err
		}
		target = net.JoinHostPort(ip.String(), strconv.Itoa(discovery.DefaultPort))
	}

	log.Printf("[client] uploading %s for %s to %s", *binary, *node, target)
	reply, err := agent.Upload(ctx, &http.Client{}, "http://"+target, *node, *binary)
	if err != nil {
		return err
	}
	switch reply.Status {
	case "crc_match":
		color.Cyan("%s already up to date (%d ms)", reply.Node, reply.DurationMS)
	default:
		color.Green("%s flashed with %s, sha256 %s (%d ms)", reply.Node, reply.Filename, reply.SHA256, reply.DurationMS)
	}
	return nil
}
