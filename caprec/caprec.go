// Package caprec contains a capture recorder used to automatically save
// captures to disk.
package caprec

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/piscope/generichttp"
)

// Recorder records captures with incrementing filenames in yyyy-mm-dd
// subfolders of Root
type Recorder struct {
	sync.Mutex

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Ext is the filename extension, with its dot
	Ext string

	// Enabled is a flag unused by this struct that allows consumers to
	// disable its use in their code
	Enabled bool

	// now is time.Now outside of tests
	now func() time.Time
}

// New returns a disabled recorder of .fits files
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Ext: ".fits", now: time.Now}
}

// folder returns today's folder, creating it
func (r *Recorder) folder() (string, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	fldr := filepath.Join(r.Root, now().Format("2006-01-02"))
	return fldr, os.MkdirAll(fldr, 0777)
}

// next scans fldr for the highest counter in use under the prefix
func (r *Recorder) next(fldr string) (int, error) {
	entries, err := os.ReadDir(fldr)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasSuffix(fn, r.Ext) || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), r.Ext))
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count + 1, nil
}

// Save writes one capture through encode to the next file in today's folder
// and returns its path
func (r *Recorder) Save(encode func(io.Writer) error) (string, error) {
	r.Lock()
	defer r.Unlock()
	fldr, err := r.folder()
	if err != nil {
		return "", err
	}
	n, err := r.next(fldr)
	if err != nil {
		return "", err
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d%s", r.Prefix, n, r.Ext))
	f, err := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return "", err
	}
	if err = encode(f); err != nil {
		f.Close()
		os.Remove(fn)
		return "", err
	}
	return fn, f.Close()
}

// IsEnabled reports Enabled under the lock
func (r *Recorder) IsEnabled() bool {
	r.Lock()
	defer r.Unlock()
	return r.Enabled
}

// HTTPWrapper is an HTTP wrapper around a recorder that allows the folder
// and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method
// allowing it to be injected into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

func (h HTTPWrapper) setRoot(s string) error {
	h.Lock()
	defer h.Unlock()
	old := h.Root
	h.Root = s
	if _, err := h.folder(); err != nil {
		h.Root = old
		return err
	}
	return nil
}

func (h HTTPWrapper) getRoot() (string, error) {
	h.Lock()
	defer h.Unlock()
	return h.Root, nil
}

func (h HTTPWrapper) setPrefix(s string) error {
	if strings.ContainsRune(s, filepath.Separator) {
		return fmt.Errorf("prefix %q contains a path separator", s)
	}
	h.Lock()
	defer h.Unlock()
	h.Prefix = s
	return nil
}

func (h HTTPWrapper) getPrefix() (string, error) {
	h.Lock()
	defer h.Unlock()
	return h.Prefix, nil
}

func (h HTTPWrapper) setEnabled(b bool) error {
	h.Lock()
	defer h.Unlock()
	h.Enabled = b
	return nil
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix
// and /autowrite/enabled to the HTTPer which manipulate this wrapper's
// recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.setRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(h.getRoot)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(h.setPrefix)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(h.getPrefix)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(h.setEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(func() (bool, error) { return h.IsEnabled(), nil })
}
