package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/LoveWonYoung/conuds/batch"
	"github.com/LoveWonYoung/conuds/config"
	"github.com/LoveWonYoung/conuds/driver"
	"github.com/LoveWonYoung/conuds/flash"
	"github.com/LoveWonYoung/conuds/logrecorder"
	"github.com/LoveWonYoung/conuds/session"
	"github.com/LoveWonYoung/conuds/udsclient"
)

const usageText = `Usage: conuds [-n node] [-t device] [-m manifest] [-v] <command> [args]

Commands:
  download [-s|--no-skip] <binary>   update the application of one node
  bootloader-download <binary>       write <binary> at the bootloader address
  batch -u node:path [-u ...]        update several nodes, print a summary
  reset [-t hard|soft]               reset the node
  readDID <hex>                      read a data identifier
  nvmHardReset                       erase NVM and reset
  devices                            list CAN interfaces and serial ports
`

// stringList collects repeated -u flags.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

type app struct {
	settings config.Settings
	node     string
	manifest *config.Manifest
}

func main() {
	os.Exit(run())
}

func run() int {
	a := &app{settings: config.DefaultSettings()}
	flag.StringVar(&a.node, "n", "", "UDS node name from the manifest")
	flag.StringVar(&a.settings.Device, "t", a.settings.Device, "CAN device (can0, slcan:/dev/ttyACM0, virtual)")
	flag.StringVar(&a.settings.Manifest, "m", a.settings.Manifest, "Path to the node manifest")
	flag.BoolVar(&a.settings.Debug, "v", a.settings.Debug, "Verbose logging")
	flag.StringVar(&a.settings.LogDir, "log-dir", a.settings.LogDir, "Directory for log files")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usageText) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return 1
	}

	if f, err := logrecorder.Init(a.settings.LogDir, "conuds_"); err != nil {
		log.Printf("[main] file logging disabled: %v", err)
	} else {
		defer f.Close()
	}
	logrecorder.SetVerbose(a.settings.Debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "devices" {
		return listDevices()
	}

	m, err := config.LoadManifest(a.settings.Manifest)
	if err != nil {
		log.Printf("[main] %v", err)
		return 1
	}
	a.manifest = m

	var code int
	switch cmd {
	case "download":
		code = a.download(ctx, args)
	case "bootloader-download":
		code = a.bootloaderDownload(ctx, args)
	case "batch":
		code = a.batch(ctx, args)
	case "reset":
		code = a.reset(ctx, args)
	case "readDID":
		code = a.readDID(ctx, args)
	case "nvmHardReset":
		code = a.nvmHardReset(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		return 1
	}
	return code
}

func listDevices() int {
	devs, err := driver.ListDevices()
	if err != nil {
		log.Printf("[main] %v", err)
		return 1
	}
	for _, d := range devs {
		fmt.Println(d)
	}
	return 0
}

func printProgress(sent, total int) {
	fmt.Printf("\r  %d/%d bytes (%3.0f%%)", sent, total, float64(sent)*100/float64(total))
	if sent >= total {
		fmt.Println()
	}
}

// open starts an interactive session for the -n node.
func (a *app) open() (*session.Session, int) {
	if a.node == "" {
		log.Printf("[main] -n <node> is required; known nodes: %s", strings.Join(a.manifest.Names(), ", "))
		return nil, 1
	}
	node, err := a.manifest.Node(a.node)
	if err != nil {
		log.Printf("[main] %v", err)
		return nil, 1
	}
	s, err := session.ForNode(a.settings.Device, node, true, session.WithProgress(printProgress))
	if err != nil {
		log.Printf("[main] %v", err)
		return nil, 1
	}
	return s, 0
}

func teardown(s *session.Session) {
	if err := s.Teardown(); err != nil {
		logrecorder.Errorf("[main] teardown: %v", err)
	}
}

func (a *app) download(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	var noSkip bool
	fs.BoolVar(&noSkip, "s", false, "Always download, even when the CRC matches")
	fs.BoolVar(&noSkip, "no-skip", false, "Same as -s")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conuds -n node download [-s|--no-skip] <binary>")
		return 1
	}

	s, code := a.open()
	if s == nil {
		return code
	}
	defer teardown(s)

	res := s.DownloadAppToTarget(ctx, fs.Arg(0), !noSkip)
	log.Printf("[main] %s: %s (%.2fs)", a.node, res.Status, res.Duration.Seconds())
	if !res.Status.OK() {
		color.Red("%s", res.Status)
		return 1
	}
	color.Green("%s", res.Status)
	return 0
}

func (a *app) bootloaderDownload(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: conuds -n node bootloader-download <binary>")
		return 1
	}
	s, code := a.open()
	if s == nil {
		return code
	}
	defer teardown(s)

	if err := s.FileDownload(ctx, args[0], flash.BootloaderAddress); err != nil {
		color.Red("Error downloading bootloader: %v", err)
		return 1
	}
	color.Green("Bootloader downloaded")
	return 0
}

func (a *app) batch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	var updates stringList
	fs.Var(&updates, "u", "node:path target (repeatable)")
	attempts := fs.Int("attempts", a.settings.Attempts, "Attempts per node")
	delay := fs.Duration("delay", a.settings.RetryDelay, "Delay between attempts")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	targets, err := batch.ParseTargets(append(updates, fs.Args()...))
	if err != nil {
		log.Printf("[main] %v", err)
		return 1
	}

	device := a.settings.Device
	r := &batch.Runner{
		Manifest: a.manifest,
		Open: func(node *config.Node) (batch.Flasher, error) {
			s, err := session.ForNode(device, node, false)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Attempts: uint(*attempts),
		Delay:    *delay,
		Skip:     true,
		OnResult: func(e batch.Entry) {
			log.Printf("[batch] %s: %s after %d attempt(s)", e.Target.Node, e.Result.Status, e.Attempts)
		},
	}
	start := time.Now()
	rep := r.Run(ctx, targets)
	rep.Elapsed = time.Since(start)

	fmt.Println()
	if err := rep.Write(os.Stdout); err != nil {
		log.Printf("[main] %v", err)
	}
	if !rep.OK() {
		return 1
	}
	return 0
}

func (a *app) reset(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	kindName := fs.String("t", "hard", "Reset type: hard or soft")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	kind, err := udsclient.ParseResetKind(*kindName)
	if err != nil {
		log.Printf("[main] %v", err)
		return 1
	}
	s, code := a.open()
	if s == nil {
		return code
	}
	defer teardown(s)

	if err := s.ResetNode(ctx, kind); err != nil {
		color.Red("Reset failed: %v", err)
		return 1
	}
	fmt.Printf("%s reset sent to %s\n", kind, a.node)
	return 0
}

func (a *app) readDID(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: conuds -n node readDID <hex>")
		return 1
	}
	raw := strings.TrimPrefix(strings.ToLower(args[0]), "0x")
	did, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		log.Printf("[main] bad DID %q: %v", args[0], err)
		return 1
	}
	s, code := a.open()
	if s == nil {
		return code
	}
	defer teardown(s)

	val, err := s.ReadDID(ctx, uint16(did))
	if err != nil {
		color.Red("ReadDID 0x%04X failed: %v", did, err)
		return 1
	}
	fmt.Printf("DID 0x%04X: % X\n", did, val)
	return 0
}

func (a *app) nvmHardReset(ctx context.Context) int {
	s, code := a.open()
	if s == nil {
		return code
	}
	defer teardown(s)

	if err := s.NVMHardReset(ctx); err != nil {
		color.Red("NVM hard reset failed: %v", err)
		return 1
	}
	color.Green("NVM hard reset complete")
	return 0
}
