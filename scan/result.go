package scan

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/femtolab/gota/average"
	"github.com/femtolab/gota/delay"
)

// State is the lifecycle state of a scan
type State int

// Scan states.  The only transitions are Idle -> Running and
// Running -> {Completed, Aborted, Failed}.
const (
	Idle State = iota
	Running
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalJSON encodes the state as its lowercase name
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state from its lowercase name
func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "completed":
		*s = Completed
	case "aborted":
		*s = Aborted
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown scan state %q", str)
	}
	return nil
}

// Status is the per-position outcome recorded in the result
type Status string

// Per-position outcomes
const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Entry is the recorded outcome of one position within one sweep
type Entry struct {
	// Position is the commanded delay position
	Position delay.Position `json:"position"`

	// Spectrum is the reduced burst; zero value when Status is failed
	Spectrum average.Spectrum `json:"spectrum"`

	// Status is ok, degraded, or failed
	Status Status `json:"status"`

	// Retries is the number of transient retries consumed at this position
	Retries int `json:"retries"`

	// Err describes the failure when Status is failed
	Err string `json:"error,omitempty"`
}

// Progress is one event on the orchestrator's progress channel
type Progress struct {
	State    State          `json:"state"`
	Sweep    int            `json:"sweep"`
	Index    int            `json:"index"`
	Position delay.Position `json:"position"`
	Status   Status         `json:"status"`
}

// Result is a snapshot of a scan.  Entries covers the sweep in progress;
// Averaged is the running per-position mean across completed measurements
// of all sweeps so far.
type Result struct {
	State     State     `json:"state"`
	Sweep     int       `json:"sweep"`
	Sweeps    int       `json:"sweeps"`
	Index     int       `json:"index"`
	Positions []float64 `json:"positions"`
	Entries   []Entry   `json:"entries"`
	Averaged  [][]float64 `json:"averaged,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// store is the mutex-guarded scan record.  Only the scan worker writes;
// consumers read deep-copied snapshots.
type store struct {
	mu     sync.Mutex
	res    Result
	counts []int // measurements accumulated per position, across sweeps
}

func (s *store) begin(positions []float64, sweeps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res = Result{
		State:     Running,
		Sweeps:    sweeps,
		Positions: append([]float64(nil), positions...),
		Averaged:  make([][]float64, len(positions)),
	}
	s.counts = make([]int, len(positions))
}

func (s *store) startSweep(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.Sweep = n
	s.res.Index = 0
	s.res.Entries = make([]Entry, 0, len(s.res.Positions))
}

func (s *store) setIndex(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.Index = i
}

// append records an entry and folds successful measurements into the
// running cross-sweep average.
func (s *store) append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.Entries = append(s.res.Entries, e)
	if e.Status == StatusFailed {
		return
	}
	i := e.Position.Index
	s.counts[i]++
	if s.res.Averaged[i] == nil {
		s.res.Averaged[i] = append([]float64(nil), e.Spectrum.Mean...)
		return
	}
	c := float64(s.counts[i])
	for ch := range s.res.Averaged[i] {
		s.res.Averaged[i][ch] += (e.Spectrum.Mean[ch] - s.res.Averaged[i][ch]) / c
	}
}

func (s *store) finish(st State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res.State = st
	if err != nil {
		s.res.Err = err.Error()
	}
}

func (s *store) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res.State
}

// snapshot returns a deep copy of the record
func (s *store) snapshot() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.res
	out.Positions = append([]float64(nil), s.res.Positions...)
	out.Entries = make([]Entry, len(s.res.Entries))
	for i, e := range s.res.Entries {
		e.Spectrum.Mean = append([]float64(nil), e.Spectrum.Mean...)
		e.Spectrum.Variance = append([]float64(nil), e.Spectrum.Variance...)
		out.Entries[i] = e
	}
	if s.res.Averaged != nil {
		out.Averaged = make([][]float64, len(s.res.Averaged))
		for i, row := range s.res.Averaged {
			if row != nil {
				out.Averaged[i] = append([]float64(nil), row...)
			}
		}
	}
	return out
}
