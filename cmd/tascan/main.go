package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	yml "gopkg.in/yaml.v2"

	"github.com/femtolab/gota/acquire"
	"github.com/femtolab/gota/average"
	"github.com/femtolab/gota/camera"
	"github.com/femtolab/gota/delay"
	"github.com/femtolab/gota/dg645"
	"github.com/femtolab/gota/rec"
	"github.com/femtolab/gota/scan"
	"github.com/femtolab/gota/sim"
	"github.com/femtolab/gota/stresing"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "tascan.yml"
	k              = koanf.New(".")
)

type camcfg struct {
	VID uint16 `koanf:"VID" yaml:"VID"`
	PID uint16 `koanf:"PID" yaml:"PID"`
}

type delaycfg struct {
	Addr     string  `koanf:"Addr" yaml:"Addr"`
	Serial   bool    `koanf:"Serial" yaml:"Serial"`
	TimeZero float64 `koanf:"TimeZero" yaml:"TimeZero"`
}

type recorder struct {
	Root   string `koanf:"Root" yaml:"Root"`
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

type config struct {
	Mock     bool     `koanf:"Mock" yaml:"Mock"`
	Camera   camcfg   `koanf:"Camera" yaml:"Camera"`
	Delay    delaycfg `koanf:"Delay" yaml:"Delay"`
	Recorder recorder `koanf:"Recorder" yaml:"Recorder"`

	Scan scan.Config `koanf:"Scan" yaml:"Scan"`

	RepRateHz         float64 `koanf:"RepRateHz" yaml:"RepRateHz"`
	SettleTolerancePs float64 `koanf:"SettleTolerancePs" yaml:"SettleTolerancePs"`
}

func defaults() config {
	return config{
		Mock: true,
		Camera: camcfg{
			VID: 0x16C0,
			PID: 0x27DD,
		},
		Delay: delaycfg{
			Addr:     "192.168.100.5:5025",
			TimeZero: 0,
		},
		Recorder: recorder{Root: ".", Prefix: "ta_"},
		Scan: scan.Config{
			Start:        -10,
			End:          300,
			Steps:        100,
			Distribution: scan.DistExponential,
			NFrames:      100,
			MaxRetries:   3,
			TimeoutS:     30,
			OutlierSigma: 3,
			NSweeps:      1,
		},
		RepRateHz:         1000,
		SettleTolerancePs: 0.05,
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `tascan runs one transient absorption scan from the terminal and saves
the result as a FITS file.  For long-lived operation or remote control,
use tasrv instead.

Usage:
	tascan <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tascan is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values.

Mock: true runs against virtual devices; no hardware is needed.

Ctrl-C aborts the scan at the next delay position; the partial result is
still saved.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("tascan version %v\n", Version)
}

func setupDevices(cfg config) (camera.Camera, delay.Generator, error) {
	if cfg.Mock {
		cam := sim.NewCamera(stresing.ValidPixels, time.Now().UnixNano())
		return cam, sim.NewDelay(cfg.Delay.TimeZero), nil
	}
	cam, err := stresing.NewCamera(cfg.Camera.VID, cfg.Camera.PID)
	if err != nil {
		return nil, nil, err
	}
	dly := dg645.New(cfg.Delay.Addr, cfg.Delay.Serial, cfg.Delay.TimeZero)
	if err := dly.Open(); err != nil {
		cam.Close()
		return nil, nil, err
	}
	return cam, dly, nil
}

// watchProgress feeds scan events to the spinner until done is closed
func watchProgress(orch *scan.Orchestrator, spinner *yacspin.Spinner, steps int, done chan struct{}) {
	for {
		select {
		case p := <-orch.Progress():
			msg := fmt.Sprintf("sweep %d, step %d/%d @ %.2f ps [%s]",
				p.Sweep, p.Index+1, steps, p.Position.Time, p.Status)
			spinner.Message(msg)
		case <-done:
			return
		}
	}
}

func printSummary(res scan.Result) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tDELAY (ps)\tSTATUS\tRETRIES")
	for i, e := range res.Entries {
		fmt.Fprintf(tw, "%d\t%.3f\t%s\t%d\n", i, e.Position.Time, e.Status, e.Retries)
	}
	tw.Flush()
	fmt.Printf("scan %s after sweep %d of %d\n", res.State, res.Sweep, res.Sweeps)
	if res.Err != "" {
		fmt.Println("error:", res.Err)
	}
}

func run() {
	cfg := config{}
	err := k.Unmarshal("", &cfg)
	if err != nil {
		log.Fatal(err)
	}
	times, err := cfg.Scan.TimePoints()
	if err != nil {
		log.Fatal(err)
	}
	cam, dly, err := setupDevices(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cam.Close()
	defer dly.Close()

	var limiter *rate.Limiter
	if cfg.RepRateHz > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RepRateHz), 1)
	}
	ctrl := &acquire.Controller{
		Camera:          cam,
		Delay:           dly,
		SettleTolerance: cfg.SettleTolerancePs,
		Limiter:         limiter,
	}
	orch := scan.New(ctrl, &average.Engine{})

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " scan",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}

	// Ctrl-C aborts at the next position boundary
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go watchProgress(orch, spinner, len(times), done)
	spinner.Start()
	scanErr := orch.Run(ctx, cfg.Scan)
	close(done)

	res := orch.Snapshot()
	if scanErr != nil {
		spinner.StopFailMessage(fmt.Sprintf("scan %s: %v", res.State, scanErr))
		spinner.StopFail()
	} else {
		spinner.StopMessage("scan completed")
		spinner.Stop()
	}
	printSummary(res)

	if len(res.Entries) > 0 {
		r := rec.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix, Enabled: true}
		fn, err := r.Save(res)
		if err != nil {
			log.Fatalf("failed to save result: %v", err)
		}
		fmt.Println("result saved to", fn)
	}
	if scanErr != nil {
		os.Exit(1)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
