// Command vici drives a Vici multiport selector or switch valve over a serial
// line. Used once it selects and reads ports from the command line; with
// -listen it serves the driver over HTTP; with -remote it talks to such a
// server instead of the serial port. -migrate manages the journal schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/vici/internal/api"
	"github.com/banshee-data/vici/internal/config"
	"github.com/banshee-data/vici/internal/db"
	"github.com/banshee-data/vici/internal/monitoring"
	"github.com/banshee-data/vici/internal/serialmux"
	"github.com/banshee-data/vici/internal/valve"
	"github.com/banshee-data/vici/internal/version"
)

// devPortCount is the size of the emulated multiport used by -dev.
const devPortCount = 10

type cliFlags struct {
	config      string
	port        string
	valveType   string
	baud        int
	labels      string
	readTimeout time.Duration

	selectPort  string
	direction   string
	get         bool
	hard        bool
	asLabel     bool
	command     string
	expectReply bool
	recoverBaud bool

	listen  string
	dbPath  string
	remote  string
	migrate string

	dev     bool
	list    bool
	debug   bool
	version bool
}

func registerFlags(fs *flag.FlagSet) *cliFlags {
	f := &cliFlags{}
	fs.StringVar(&f.config, "config", "", "JSON config file; flags given on the command line override it")
	fs.StringVar(&f.port, "port", "", "Serial port, e.g. /dev/ttyUSB0 (ignored in dev mode)")
	fs.StringVar(&f.valveType, "valve-type", "lp-multiport", "Valve type: lp-multiport, hp-multiport or hp-switch")
	fs.IntVar(&f.baud, "baud", valve.DefaultBaud, "Baud rate tried first")
	fs.StringVar(&f.labels, "labels", "", "Port labels, e.g. sample=3,waste=6")
	fs.DurationVar(&f.readTimeout, "read-timeout", valve.DefaultReadTimeout, "Timeout for each reply from the valve")

	fs.StringVar(&f.selectPort, "select", "", "Move to this port, by label or number")
	fs.StringVar(&f.direction, "direction", "", "Rotation for -select: cw, ccw, or empty for the shortest path")
	fs.BoolVar(&f.get, "get", false, "Print the current port")
	fs.BoolVar(&f.hard, "hard", false, "With -get, query the valve instead of using the cached position")
	fs.BoolVar(&f.asLabel, "as-label", false, "With -get, print the port's label")
	fs.StringVar(&f.command, "command", "", "Send a raw command and print the reply")
	fs.BoolVar(&f.expectReply, "expect-reply", true, "With -command, wait for a reply")
	fs.BoolVar(&f.recoverBaud, "recover-baud", false, "Sweep baud rates until the valve answers")

	fs.StringVar(&f.listen, "listen", "", "Serve the HTTP API on this address, e.g. :8080")
	fs.StringVar(&f.dbPath, "db", "", "Journal positions to this SQLite file (server mode)")
	fs.StringVar(&f.migrate, "migrate", "", "Apply a journal schema action to -db and exit: "+strings.Join(db.MigrateActions, ", "))
	fs.StringVar(&f.remote, "remote", "", "Address of a running vici server to use instead of the serial port")

	fs.BoolVar(&f.dev, "dev", false, "Run against an emulated valve")
	fs.BoolVar(&f.list, "list", false, "List serial ports and exit")
	fs.BoolVar(&f.debug, "debug", false, "Log handshake phases and serial traffic")
	fs.BoolVar(&f.version, "version", false, "Print version and exit")
	return f
}

// parseLabels parses "sample=3,waste=6".
func parseLabels(s string) (map[string]int, error) {
	labels := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, idx, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid label %q, want name=port", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil {
			return nil, fmt.Errorf("invalid port for label %q: %w", name, err)
		}
		if _, dup := labels[name]; dup {
			return nil, fmt.Errorf("label %q given twice", name)
		}
		labels[name] = n
	}
	if len(labels) == 0 {
		return nil, errors.New("no labels given")
	}
	return labels, nil
}

// valveConfig loads -config, if any, and applies the flags that were set
// explicitly on top of it.
func (f *cliFlags) valveConfig(fs *flag.FlagSet) (*config.ValveConfig, error) {
	cfg := &config.ValveConfig{}
	if f.config != "" {
		loaded, err := config.LoadValveConfig(f.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var labelErr error
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.SetPort(f.port)
		case "valve-type":
			cfg.SetValveType(f.valveType)
		case "baud":
			cfg.SetBaud(f.baud)
		case "read-timeout":
			cfg.SetReadTimeout(f.readTimeout)
		case "listen":
			cfg.SetListen(f.listen)
		case "db":
			cfg.SetDatabase(f.dbPath)
		case "labels":
			labels, err := parseLabels(f.labels)
			if err != nil {
				labelErr = err
				return
			}
			cfg.SetPortLabels(labels)
		}
	})
	if labelErr != nil {
		return nil, labelErr
	}
	if f.dev && cfg.GetPort() == "" {
		cfg.SetPort("emulated")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openerFor returns the real serial opener, or in dev mode one backed by an
// emulated controller of the configured model.
func openerFor(cfg *config.ValveConfig, dev bool) valve.Opener {
	if !dev {
		return serialmux.Opener(cfg.GetPortOptions())
	}
	return serialmux.PortOpener(emulatorFor(cfg.GetModel()), cfg.GetPortOptions())
}

func emulatorFor(m valve.Model) *serialmux.EmulatedValve {
	switch m {
	case valve.HighPressureMultiport:
		return serialmux.NewEmulatedHighPressureMultiport(devPortCount, 1)
	case valve.HighPressureSwitch:
		return serialmux.NewEmulatedSwitch(1)
	default:
		return serialmux.NewEmulatedLowPressureMultiport(devPortCount, 1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("vici", flag.ContinueOnError)
	f := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	monitoring.SetDebug(f.debug)

	switch {
	case f.version:
		fmt.Fprintln(stdout, version.String())
		return nil
	case f.list:
		return listPorts(stdout)
	case f.remote != "":
		return runRemote(ctx, f, api.NewClient(f.remote, nil), stdout)
	}

	cfg, err := f.valveConfig(fs)
	if err != nil {
		return err
	}
	if f.migrate != "" {
		if cfg.GetDatabase() == "" {
			return errors.New("-migrate needs a journal database, set -db")
		}
		return db.RunMigrate(f.migrate, cfg.GetDatabase(), stdout)
	}
	if cfg.GetListen() != "" {
		return serve(ctx, cfg, openerFor(cfg, f.dev))
	}

	d, err := valve.Open(cfg.DriverConfig(), openerFor(cfg, f.dev))
	if err != nil {
		return err
	}
	defer d.Close()
	monitoring.Debugf("connected to %s", d)
	return runLocal(ctx, f, d, stdout)
}

func listPorts(stdout io.Writer) error {
	ports, err := serialmux.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(stdout, "no serial ports found")
		return nil
	}
	sort.Strings(ports)
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

// runLocal performs the requested operations in a fixed order: baud
// recovery, raw command, select, then get. With none requested it prints the
// valve's state.
func runLocal(ctx context.Context, f *cliFlags, v valve.Selector, stdout io.Writer) error {
	did := false
	if f.recoverBaud {
		did = true
		answer, err := v.RecoverBaudRate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "valve answered %q at %d baud\n", strings.TrimSpace(answer), v.State().BaudRate)
	}
	if f.command != "" {
		did = true
		answer, err := v.SendCommand(ctx, valve.Command{
			Text:              f.command,
			ExpectResponse:    f.expectReply,
			AllowQuestionMark: true,
		})
		if err != nil {
			return err
		}
		if f.expectReply {
			fmt.Fprintln(stdout, strings.TrimSpace(answer))
		}
	}
	if f.selectPort != "" {
		did = true
		p := valve.ParsePort(f.selectPort, v.Labels())
		if err := v.SelectPort(ctx, p, valve.ParseDirection(f.direction)); err != nil {
			return err
		}
	}
	if f.get {
		did = true
		idx, err := v.GetPort(ctx, f.hard)
		if err != nil {
			return err
		}
		printPosition(stdout, idx, v.Labels(), f.asLabel)
	}
	if !did {
		printState(stdout, v.State())
	}
	return nil
}

func runRemote(ctx context.Context, f *cliFlags, c *api.Client, stdout io.Writer) error {
	did := false
	if f.recoverBaud {
		did = true
		answer, err := c.RecoverBaudRate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "valve answered %q\n", strings.TrimSpace(answer))
	}
	if f.command != "" {
		did = true
		answer, err := c.SendCommand(ctx, api.CommandRequest{
			Command:           f.command,
			ExpectResponse:    f.expectReply,
			AllowQuestionMark: true,
		})
		if err != nil {
			return err
		}
		if f.expectReply {
			fmt.Fprintln(stdout, strings.TrimSpace(answer))
		}
	}
	if f.selectPort != "" {
		did = true
		if _, err := c.Select(ctx, f.selectPort, valve.ParseDirection(f.direction)); err != nil {
			return err
		}
	}
	if f.get {
		did = true
		pos, err := c.Position(ctx, f.hard)
		if err != nil {
			return err
		}
		if f.asLabel && pos.Labelled {
			fmt.Fprintln(stdout, pos.Label)
		} else {
			fmt.Fprintln(stdout, pos.Port)
		}
	}
	if !did {
		s, err := c.State(ctx)
		if err != nil {
			return err
		}
		printState(stdout, s)
	}
	return nil
}

// printPosition prints the port number, or its label with asLabel. An
// unlabelled port prints as its number either way.
func printPosition(w io.Writer, idx int, labels valve.Labels, asLabel bool) {
	if asLabel {
		if label, ok := labels.Label(idx); ok {
			fmt.Fprintln(w, label)
			return
		}
	}
	fmt.Fprintln(w, idx)
}

func printState(w io.Writer, s valve.State) {
	fmt.Fprintf(w, "%s on %s @ %d baud: %s\n", s.Model, s.Port, s.BaudRate, s.Phase)
	fmt.Fprintf(w, "port %d of %d", s.CurrentPort, s.PortCount)
	if s.Dirty {
		fmt.Fprint(w, " (unconfirmed)")
	}
	fmt.Fprintln(w)
	if len(s.Labels) > 0 {
		fmt.Fprintf(w, "labels: %s\n", strings.Join(s.Labels, ", "))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatalf("vici: %v", err)
	}
}
