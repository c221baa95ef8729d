package memory

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Mapping is one line of /proc/self/maps.
type Mapping struct {
	Start uintptr
	End   uintptr
	Prot  Protection
	Path  string
}

// Mappings is used to read the memory map of the current process.
func Mappings() ([]Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer func() { _ = f.Close() }()
	var mappings []Mapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m, err := parseMapping(scanner.Text())
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, errors.WithStack(scanner.Err())
}

// 7f3c1a2b1000-7f3c1a2b3000 r-xp 00000000 08:01 1234   /usr/lib/libc.so.6
func parseMapping(line string) (Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, errors.Errorf("invalid maps line: %q", line)
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Mapping{}, errors.Errorf("invalid maps range: %q", fields[0])
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Mapping{}, errors.WithStack(err)
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Mapping{}, errors.WithStack(err)
	}
	m := Mapping{
		Start: uintptr(start),
		End:   uintptr(end),
		Prot:  parsePerms(fields[1]),
	}
	if len(fields) > 5 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}

func parsePerms(perms string) Protection {
	if len(perms) < 3 {
		return NoAccess
	}
	r, w, x := perms[0] == 'r', perms[1] == 'w', perms[2] == 'x'
	switch {
	case w && x:
		return ReadWriteExecute
	case w:
		return ReadWrite
	case x:
		return ReadExecute
	case r:
		return ReadOnly
	}
	return NoAccess
}

func queryProtection(addr uintptr) (Protection, error) {
	mappings, err := Mappings()
	if err != nil {
		return NoAccess, err
	}
	for _, m := range mappings {
		if addr >= m.Start && addr < m.End {
			return m.Prot, nil
		}
	}
	return NoAccess, errors.Errorf("0x%X is not mapped", addr)
}
