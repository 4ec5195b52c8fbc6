//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package brk

// Mapped falls back to a Reserved region on platforms where anonymous mappings are not wired up
// through golang.org/x/sys/unix.
type Mapped struct {
	*Reserved
}

var _ Region = &Mapped{}

// NewMapped returns a Region with its break at 0 and at least capacity bytes of room
func NewMapped(capacity int) (*Mapped, error) {
	reserved, err := NewReserved(capacity)
	if err != nil {
		return nil, err
	}

	return &Mapped{Reserved: reserved}, nil
}
