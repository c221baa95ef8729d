//go:build darwin || freebsd || netbsd || openbsd || dragonfly
// +build darwin freebsd netbsd openbsd dragonfly

package memory

// queryProtection can not read the page table without a procfs,
// code pages are assumed to be read execute.
func queryProtection(uintptr) (Protection, error) {
	return ReadExecute, nil
}
