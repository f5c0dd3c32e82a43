package rec

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/femtolab/gota/scan"
)

func sampleResult() scan.Result {
	return scan.Result{
		State:     scan.Completed,
		Sweep:     1,
		Sweeps:    1,
		Positions: []float64{0, 100},
		Averaged: [][]float64{
			{1, 2, 3},
			{4, 5, 6},
		},
	}
}

func TestWriteFits(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFits(&buf, sampleResult()); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	b := buf.Bytes()
	if !bytes.HasPrefix(b, []byte("SIMPLE  =")) {
		t.Error("output is not a FITS file")
	}
	if len(b)%2880 != 0 {
		t.Errorf("FITS output must be block aligned, got %d bytes", len(b))
	}
	for _, kw := range []string{"STATE", "NPOS", "NCHAN", "DELAYS"} {
		if !bytes.Contains(b, []byte(kw)) {
			t.Errorf("header keyword %s missing", kw)
		}
	}
}

func TestWriteFitsEmptyResult(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFits(&buf, scan.Result{State: scan.Failed}); err == nil {
		t.Error("expected empty result to error")
	}
}

func TestRecorderIncrementsFilenames(t *testing.T) {
	r := &Recorder{Root: t.TempDir(), Prefix: "ta_"}
	first, err := r.Save(sampleResult())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second, err := r.Save(sampleResult())
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if filepath.Base(first) != "ta_000001.fits" {
		t.Errorf("unexpected first filename %s", first)
	}
	if filepath.Base(second) != "ta_000002.fits" {
		t.Errorf("unexpected second filename %s", second)
	}
	for _, fn := range []string{first, second} {
		if fi, err := os.Stat(fn); err != nil || fi.Size() == 0 {
			t.Errorf("file %s missing or empty", fn)
		}
	}
	// files land in a date subfolder
	if !strings.Contains(first, "-") {
		t.Errorf("expected date subfolder in %s", first)
	}
}

func TestRecorderResumesCounter(t *testing.T) {
	root := t.TempDir()
	r := &Recorder{Root: root, Prefix: "ta_"}
	if _, err := r.Save(sampleResult()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// a fresh recorder over the same folder continues the sequence
	r2 := &Recorder{Root: root, Prefix: "ta_"}
	fn, err := r2.Save(sampleResult())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if filepath.Base(fn) != "ta_000002.fits" {
		t.Errorf("expected counter to resume at 2, got %s", fn)
	}
}
