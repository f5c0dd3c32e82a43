/*Package scanhttp exposes the scan orchestrator and manual hardware
controls over HTTP.

The scan itself runs on the orchestrator's worker; the handlers here only
start it, abort it, and serve snapshots.  While a scan is running the
manual hardware routes are fenced off with a locker middleware so no second
caller can race the devices; the scan routes themselves stay reachable.
*/
package scanhttp

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"goji.io"
	"goji.io/pat"

	"github.com/femtolab/gota/acquire"
	"github.com/femtolab/gota/average"
	"github.com/femtolab/gota/delay"
	"github.com/femtolab/gota/rec"
	"github.com/femtolab/gota/scan"
	"github.com/femtolab/gota/server"
	"github.com/femtolab/gota/server/middleware/locker"
	"github.com/femtolab/gota/util"
)

// Wrapper exposes a scan orchestrator and its hardware over HTTP
type Wrapper struct {
	// Log receives handler lifecycle messages; nil silences them
	Log *log.Logger

	// Rec saves completed scans when enabled; nil disables persistence
	Rec *rec.Recorder

	orch     *scan.Orchestrator
	ctrl     *acquire.Controller
	engine   *average.Engine
	lock     *locker.Locker
	defaults scan.Config
	route    server.RouteTable

	mu       sync.Mutex
	cancel   context.CancelFunc
	exposure time.Duration
	gain     float64
}

// New returns a wrapper with the route table populated.  defaults fills
// fields omitted from scan start requests.
func New(orch *scan.Orchestrator, ctrl *acquire.Controller, engine *average.Engine, lock *locker.Locker, defaults scan.Config) *Wrapper {
	h := &Wrapper{
		orch:     orch,
		ctrl:     ctrl,
		engine:   engine,
		lock:     lock,
		defaults: defaults,
		exposure: time.Millisecond,
		gain:     1,
	}
	h.route = server.RouteTable{
		pat.Post("/scan/start"):      h.StartScan,
		pat.Post("/scan/abort"):      h.AbortScan,
		pat.Get("/scan/state"):       server.GetString(h.state),
		pat.Get("/scan/result"):      h.GetResult,
		pat.Get("/scan/position"):    h.GetPosition,
		pat.Post("/background"):      h.CaptureBackground,
		pat.Get("/delay/pos"):        server.GetFloat(h.delayPos),
		pat.Post("/delay/pos"):       server.SetFloat(h.moveDelay),
		pat.Get("/camera/channels"):  server.GetInt(h.channels),
		pat.Get("/exposure-time"):    server.GetFloat(h.exposureSecs),
		pat.Post("/exposure-time"):   h.SetExposureTime,
		pat.Get("/endpoints"):        h.Endpoints,
	}
	locker.Inject(h, lock)
	// scan control and inspection must survive the lock
	lock.DoNotProtect = append(lock.DoNotProtect, "scan", "endpoints")
	return h
}

// RT returns the route table
func (h *Wrapper) RT() server.RouteTable {
	return h.route
}

// Mux returns a goji mux with all routes bound behind the lock middleware
func (h *Wrapper) Mux() *goji.Mux {
	m := goji.NewMux()
	m.Use(h.lock.Check)
	h.route.Bind(m)
	return m
}

// StartScan launches a scan in the background.  The request body is a
// scan config; omitted fields fall back to the server's defaults.  A scan
// already in flight yields 409.
func (h *Wrapper) StartScan(w http.ResponseWriter, r *http.Request) {
	cfg := h.defaults
	err := json.NewDecoder(r.Body).Decode(&cfg)
	defer r.Body.Close()
	if err != nil && err != io.EOF {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := cfg.TimePoints(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		http.Error(w, scan.ErrBusy.Error(), http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.mu.Unlock()
	go h.runScan(ctx, cfg)
	w.WriteHeader(http.StatusAccepted)
}

// runScan holds the hardware lock for the scan's lifetime, then saves the
// result if a recorder is attached.  Aborted and failed scans keep their
// completed entries, so those partial results are saved too.
func (h *Wrapper) runScan(ctx context.Context, cfg scan.Config) {
	h.lock.Lock()
	err := h.orch.Run(ctx, cfg)
	h.lock.Unlock()
	if err != nil {
		h.logf("scan ended: %v", err)
	}
	if h.Rec != nil && h.Rec.Enabled {
		snap := h.orch.Snapshot()
		if len(snap.Entries) > 0 {
			fn, err := h.Rec.Save(snap)
			if err != nil {
				h.logf("failed to save scan: %v", err)
			} else {
				h.logf("scan saved to %s", fn)
			}
		}
	}
	h.mu.Lock()
	h.cancel = nil
	h.mu.Unlock()
}

// AbortScan requests cancellation of the running scan, taking effect at
// the next position boundary
func (h *Wrapper) AbortScan(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel == nil {
		http.Error(w, "no scan is running", http.StatusConflict)
		return
	}
	cancel()
	w.WriteHeader(http.StatusOK)
}

// GetResult serves a deep-copied snapshot of the scan record as JSON
func (h *Wrapper) GetResult(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.orch.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetPosition serves the position the scan is currently working on
func (h *Wrapper) GetPosition(w http.ResponseWriter, r *http.Request) {
	snap := h.orch.Snapshot()
	pos := delay.Position{Index: snap.Index}
	if snap.Index < len(snap.Positions) {
		pos.Time = snap.Positions[snap.Index]
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// CaptureBackground collects a burst at the current delay position and
// stores its mean as the background spectrum.  The body is {'int': n}
// for the frame count; omitted means the default scan frame count.
func (h *Wrapper) CaptureBackground(w http.ResponseWriter, r *http.Request) {
	it := server.IntT{}
	err := json.NewDecoder(r.Body).Decode(&it)
	defer r.Body.Close()
	if err != nil && err != io.EOF {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := it.Int
	if n < 1 {
		n = h.defaults.NFrames
	}
	if n < 1 {
		http.Error(w, "frame count must be at least 1", http.StatusBadRequest)
		return
	}
	cur, err := h.ctrl.Delay.CurrentPos(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	frames, _, err := h.ctrl.Burst(r.Context(), delay.Position{Time: cur}, n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// the background must be raw; clear any previous one before reducing
	h.engine.SetBackground(nil)
	spectrum, err := h.engine.Reduce(frames)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.engine.SetBackground(spectrum.Mean)
	w.WriteHeader(http.StatusOK)
}

// SetExposureTime configures the camera's exposure.  The duration may be
// given as an ?exposureTime=1ms query parameter or a {'f64': seconds}
// JSON body.
func (h *Wrapper) SetExposureTime(w http.ResponseWriter, r *http.Request) {
	var d time.Duration
	texp := r.URL.Query().Get("exposureTime")
	if texp != "" {
		var err error
		d, err = time.ParseDuration(texp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		f := server.FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d = util.SecsToDuration(f.F64)
	}
	h.mu.Lock()
	gain := h.gain
	h.mu.Unlock()
	if err := h.ctrl.Camera.Configure(d, gain); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.mu.Lock()
	h.exposure = d
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Endpoints serves the bound route patterns as a sorted JSON array
func (h *Wrapper) Endpoints(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.route.Endpoints()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Wrapper) state() (string, error) {
	return h.orch.State().String(), nil
}

func (h *Wrapper) channels() (int, error) {
	return h.ctrl.Camera.Channels(), nil
}

func (h *Wrapper) delayPos() (float64, error) {
	return h.ctrl.Delay.CurrentPos(context.Background())
}

func (h *Wrapper) moveDelay(ps float64) error {
	return h.ctrl.Delay.MoveTo(context.Background(), ps)
}

func (h *Wrapper) exposureSecs() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exposure.Seconds(), nil
}

func (h *Wrapper) logf(format string, args ...interface{}) {
	if h.Log != nil {
		h.Log.Printf(format, args...)
	}
}
