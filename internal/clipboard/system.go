package clipboard

import (
	"errors"
	"fmt"

	"github.com/atotto/clipboard"
)

// System is the OS clipboard. Text goes through atotto/clipboard, which
// shells out to the platform tool (pbcopy, xclip, wl-copy, the Win32
// API). Images are not exposed by that backend, so ReadImage always
// reports ErrEmpty and WriteImage ErrUnsupported.
type System struct{}

var _ Clipboard = System{}

// NewSystem returns the OS clipboard, or an error when no backend is
// available on this machine.
func NewSystem() (System, error) {
	if clipboard.Unsupported {
		return System{}, errors.New("clipboard: no clipboard utility found on this system")
	}
	return System{}, nil
}

func (System) ReadText() (string, error) {
	s, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClipboardUnavailable, err)
	}
	if s == "" {
		return "", ErrEmpty
	}
	return s, nil
}

func (System) ReadImage() (*Image, error) {
	return nil, ErrEmpty
}

func (System) WriteText(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("%w: %v", ErrClipboardUnavailable, err)
	}
	return nil
}

func (System) WriteImage(*Image) error {
	return ErrUnsupported
}
