package clipboard

import (
	"slices"
	"sync"
)

// Memory is an in-process clipboard holding either a text or an image,
// like a real one. Tests use it in place of System.
type Memory struct {
	mu       sync.Mutex
	text     string
	img      *Image
	reads    int
	writes   int
	busy     bool
	onAccess func(op string)
}

var _ Clipboard = (*Memory)(nil)

// NewMemory returns an empty clipboard.
func NewMemory() *Memory {
	return &Memory{}
}

// SetBusy makes every call fail with ErrClipboardUnavailable while busy
// is true.
func (m *Memory) SetBusy(busy bool) {
	m.mu.Lock()
	m.busy = busy
	m.mu.Unlock()
}

// OnAccess registers a hook called on every read and write with "read"
// or "write". The hook runs with the clipboard lock held.
func (m *Memory) OnAccess(fn func(op string)) {
	m.mu.Lock()
	m.onAccess = fn
	m.mu.Unlock()
}

// Writes returns how many writes succeeded.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Reads returns how many reads were attempted.
func (m *Memory) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func (m *Memory) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	m.hook("read")
	if m.busy {
		return "", ErrClipboardUnavailable
	}
	if m.text == "" {
		return "", ErrEmpty
	}
	return m.text, nil
}

func (m *Memory) ReadImage() (*Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	m.hook("read")
	if m.busy {
		return nil, ErrClipboardUnavailable
	}
	if m.img == nil {
		return nil, ErrEmpty
	}
	return cloneImage(m.img), nil
}

func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook("write")
	if m.busy {
		return ErrClipboardUnavailable
	}
	m.text = text
	m.img = nil
	m.writes++
	return nil
}

func (m *Memory) WriteImage(img *Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook("write")
	if m.busy {
		return ErrClipboardUnavailable
	}
	m.img = cloneImage(img)
	m.text = ""
	m.writes++
	return nil
}

func (m *Memory) hook(op string) {
	if m.onAccess != nil {
		m.onAccess(op)
	}
}

func cloneImage(img *Image) *Image {
	if img == nil {
		return nil
	}
	return &Image{Width: img.Width, Height: img.Height, Pixels: slices.Clone(img.Pixels)}
}
