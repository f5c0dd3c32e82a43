/*Package rec persists scan results as FITS files.

Persistence is a collaborator of the scan core, not part of it: the
orchestrator hands out snapshots and this package turns them into files
with incrementing names in yyyy-mm-dd subfolders.
*/
package rec

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/femtolab/gota/scan"
)

// WriteFits streams a scan result to w as a FITS file.  The primary HDU is
// the cross-sweep averaged signal, channels fast axis and delay positions
// slow axis; a DELAYS extension carries the time axis in picoseconds.
func WriteFits(w io.Writer, res scan.Result) error {
	channels := channelCount(res)
	if channels == 0 {
		return fmt.Errorf("rec: result contains no spectra")
	}
	npos := len(res.Positions)

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(-64, []int{channels, npos})
	defer im.Close()
	err = im.Header().Append(
		fitsio.Card{Name: "STATE", Value: res.State.String(), Comment: "scan terminal state"},
		fitsio.Card{Name: "NPOS", Value: npos, Comment: "delay positions"},
		fitsio.Card{Name: "NCHAN", Value: channels, Comment: "wavelength channels"},
		fitsio.Card{Name: "SWEEPS", Value: res.Sweeps, Comment: "configured sweep count"},
		fitsio.Card{Name: "SWEEP", Value: res.Sweep, Comment: "last sweep recorded"},
	)
	if err != nil {
		return err
	}
	buf := make([]float64, channels*npos)
	for p := 0; p < npos; p++ {
		row := res.Averaged[p]
		if row == nil {
			continue // failed position, left at zero
		}
		copy(buf[p*channels:(p+1)*channels], row)
	}
	if err := im.Write(buf); err != nil {
		return err
	}
	if err := fits.Write(im); err != nil {
		return err
	}

	ax := fitsio.NewImage(-64, []int{npos})
	defer ax.Close()
	err = ax.Header().Append(
		fitsio.Card{Name: "EXTNAME", Value: "DELAYS", Comment: "time axis, picoseconds"},
	)
	if err != nil {
		return err
	}
	if err := ax.Write(append([]float64(nil), res.Positions...)); err != nil {
		return err
	}
	return fits.Write(ax)
}

func channelCount(res scan.Result) int {
	for _, row := range res.Averaged {
		if row != nil {
			return len(row)
		}
	}
	for _, e := range res.Entries {
		if len(e.Spectrum.Mean) > 0 {
			return len(e.Spectrum.Mean)
		}
	}
	return 0
}

// Recorder saves scan results with incrementing filenames in yyyy-mm-dd
// subfolders.  It is not thread safe.
type Recorder struct {
	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is a flag unused by this struct that allows consumers to
	// disable its use in their code
	Enabled bool

	// counter is the internally incrementing counter
	counter int

	// timeFldr is the subfolder with yyyy-mm-dd format
	timeFldr string
}

// updateFolder checks the current time and updates the folder as needed
func (r *Recorder) updateFolder() {
	now := time.Now()
	r.timeFldr = fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Save writes one result to the next file in sequence and returns its path
func (r *Recorder) Save(res scan.Result) (string, error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return "", err
	}
	r.incr()
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	if err := WriteFits(fid, res); err != nil {
		return "", err
	}
	return fn, nil
}

// incr updates the filename counter; it scans the folder to do so.  If
// there is an error, the counter is not incremented.
func (r *Recorder) incr() {
	dn, _ := r.mkDir()
	files, err := ioutil.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, r.Prefix)
		bit = bit[:len(bit)-5] // pop .fits
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}
