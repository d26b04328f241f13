package drizzle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"skydrizzle/pkg/fits"
)

// ErrNotFound is returned for names or extensions a store does not hold.
var ErrNotFound = errors.New("not found")

// ImageHandle is an open image container.
type ImageHandle interface {
	// Extension selects an HDU by EXTNAME/EXTVER; an empty name selects
	// the primary.
	Extension(extName string, extVer int) (*fits.HDU, error)
	// Close releases the handle. Handles opened for update persist their
	// modified HDUs on Close.
	Close() error
}

// ImageStore gives access to named multi-extension image containers.
type ImageStore interface {
	Exists(name string) bool
	OpenForRead(name string) (ImageHandle, error)
	OpenForUpdate(name string) (ImageHandle, error)
	Put(name string, f *fits.File) error
	Remove(name string) error
}

type fitsHandle struct {
	name  string
	file  *fits.File
	write func(*fits.File) error
}

func (h *fitsHandle) Extension(extName string, extVer int) (*fits.HDU, error) {
	hdu, ok := h.file.Extension(extName, extVer)
	if !ok {
		return nil, fmt.Errorf("%s[%s,%d]: %w", h.name, extName, extVer, ErrNotFound)
	}
	return hdu, nil
}

func (h *fitsHandle) Close() error {
	if h.write == nil || h.file == nil {
		h.file = nil
		return nil
	}
	err := h.write(h.file)
	h.file = nil
	h.write = nil
	return err
}

// FileStore reads and writes images on the local filesystem. Relative names
// resolve against Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) path(name string) string {
	if s.Dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.Dir, name)
}

func isRasterMask(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
		return true
	}
	return false
}

func (s FileStore) Exists(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	info, err := os.Stat(s.path(name))
	return err == nil && !info.IsDir()
}

func (s FileStore) load(name string) (*fits.File, error) {
	p := s.path(name)
	if isRasterMask(p) {
		w, h, valid, err := readMaskImage(p)
		if err != nil {
			return nil, err
		}
		ints := make([]int32, len(valid))
		for i, v := range valid {
			ints[i] = int32(v)
		}
		return &fits.File{HDUs: []*fits.HDU{fits.NewInt32HDU("", 0, 8, []int{w, h}, ints)}}, nil
	}
	f, err := fits.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return f, err
}

func (s FileStore) OpenForRead(name string) (ImageHandle, error) {
	f, err := s.load(name)
	if err != nil {
		return nil, err
	}
	return &fitsHandle{name: name, file: f}, nil
}

func (s FileStore) OpenForUpdate(name string) (ImageHandle, error) {
	if isRasterMask(name) {
		return nil, fmt.Errorf("%s: raster masks are read-only", name)
	}
	f, err := s.load(name)
	if err != nil {
		return nil, err
	}
	p := s.path(name)
	return &fitsHandle{name: name, file: f, write: func(f *fits.File) error {
		return fits.WriteFile(p, f)
	}}, nil
}

func (s FileStore) Put(name string, f *fits.File) error {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return fits.WriteFile(p, f)
}

func (s FileStore) Remove(name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemStore keeps images in memory. It backs the browser build and tests.
type MemStore struct {
	mu    sync.Mutex
	files map[string]*fits.File
}

func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string]*fits.File)}
}

func (s *MemStore) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok
}

// Get returns the stored container.
func (s *MemStore) Get(name string) (*fits.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	return f, ok
}

// Names lists stored names in order.
func (s *MemStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *MemStore) OpenForRead(name string) (ImageHandle, error) {
	f, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return &fitsHandle{name: name, file: f}, nil
}

func (s *MemStore) OpenForUpdate(name string) (ImageHandle, error) {
	f, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return &fitsHandle{name: name, file: f, write: func(f *fits.File) error {
		return s.Put(name, f)
	}}, nil
}

func (s *MemStore) Put(name string, f *fits.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = f
	return nil
}

func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}
