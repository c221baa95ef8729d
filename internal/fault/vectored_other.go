//go:build !windows
// +build !windows

package fault

// Vectored is the fault subscription of platforms that can not route
// processor exceptions to Go code.
type Vectored struct{}

// NewVectored returns the fault subscription of the process.
func NewVectored() *Vectored {
	return new(Vectored)
}

// Subscribe always returns ErrUnavailable.
func (*Vectored) Subscribe(Handler) (func() error, error) {
	return nil, ErrUnavailable
}
