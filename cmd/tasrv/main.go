package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"golang.org/x/time/rate"

	yml "gopkg.in/yaml.v2"

	"github.com/femtolab/gota/acquire"
	"github.com/femtolab/gota/average"
	"github.com/femtolab/gota/camera"
	"github.com/femtolab/gota/delay"
	"github.com/femtolab/gota/dg645"
	"github.com/femtolab/gota/rec"
	"github.com/femtolab/gota/scan"
	"github.com/femtolab/gota/scanhttp"
	"github.com/femtolab/gota/server/middleware/locker"
	"github.com/femtolab/gota/sim"
	"github.com/femtolab/gota/stresing"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "tasrv.yml"
	k              = koanf.New(".")
)

type camcfg struct {
	// VID and PID identify the camera head on the USB bus
	VID uint16 `koanf:"VID" yaml:"VID"`
	PID uint16 `koanf:"PID" yaml:"PID"`
}

type delaycfg struct {
	// Addr is a host:port pair, or a serial port name when Serial is true
	Addr     string  `koanf:"Addr" yaml:"Addr"`
	Serial   bool    `koanf:"Serial" yaml:"Serial"`
	TimeZero float64 `koanf:"TimeZero" yaml:"TimeZero"`
}

type recorder struct {
	Root    string `koanf:"Root" yaml:"Root"`
	Prefix  string `koanf:"Prefix" yaml:"Prefix"`
	Enabled bool   `koanf:"Enabled" yaml:"Enabled"`
}

type config struct {
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock substitutes virtual devices for the physical ones
	Mock bool `koanf:"Mock" yaml:"Mock"`

	Camera   camcfg   `koanf:"Camera" yaml:"Camera"`
	Delay    delaycfg `koanf:"Delay" yaml:"Delay"`
	Recorder recorder `koanf:"Recorder" yaml:"Recorder"`

	// Scan holds the default scan parameters, overridable per request
	Scan scan.Config `koanf:"Scan" yaml:"Scan"`

	// RepRateHz paces frame requests to the laser repetition rate; zero
	// disables pacing
	RepRateHz float64 `koanf:"RepRateHz" yaml:"RepRateHz"`

	// SettleTolerancePs is the allowed delay verification mismatch
	SettleTolerancePs float64 `koanf:"SettleTolerancePs" yaml:"SettleTolerancePs"`
}

func defaults() config {
	return config{
		Addr: ":8000",
		Mock: true,
		Camera: camcfg{
			VID: 0x16C0,
			PID: 0x27DD,
		},
		Delay: delaycfg{
			Addr:     "192.168.100.5:5025",
			TimeZero: 0,
		},
		Recorder: recorder{Prefix: "ta_"},
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
	str := `tasrv operates transient absorption spectroscopy hardware and exposes
an HTTP interface to it.  This enables a server-client architecture, and
the clients can leverage the excellent HTTP libraries for any programming
language.

Usage:
	tasrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `tasrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values.

Mock: true runs against virtual devices; no hardware is needed.  Set it
to false and fill in the Camera and Delay sections to drive a Stresing
line camera over USB and a DG645-style delay generator over TCP or RS-232.

The Scan section holds the default scan parameters; each scan start
request may override any subset of them.

While a scan is running the manual hardware routes return 423 (Locked);
the scan routes themselves stay reachable.`
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
	fmt.Printf("tasrv version %v\n", Version)
}

// setupDevices builds the camera and delay generator pair from the config
func setupDevices(cfg config) (camera.Camera, delay.Generator, error) {
	if cfg.Mock {
		log.Println("mock mode: using virtual camera and delay generator")
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

func run() {
	cfg := config{}
	err := k.Unmarshal("", &cfg)
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
	engine := &average.Engine{}
	orch := scan.New(ctrl, engine)
	orch.Log = log.Default()

	h := scanhttp.New(orch, ctrl, engine, locker.New(), cfg.Scan)
	h.Log = log.Default()
	if cfg.Recorder.Root != "" {
		h.Rec = &rec.Recorder{
			Root:    cfg.Recorder.Root,
			Prefix:  cfg.Recorder.Prefix,
			Enabled: cfg.Recorder.Enabled,
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", h.Mux())
	log.Println("now listening for requests at ", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, r))
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
