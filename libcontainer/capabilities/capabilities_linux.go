package capabilities

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Status holds the capability sets of a process as reported by the Cap*
// lines of /proc/<pid>/status.
type Status struct {
	Inheritable Mask
	Permitted   Mask
	Effective   Mask
	Bounding    Mask
	Ambient     Mask
}

// ParseStatus parses the capability lines of a /proc/<pid>/status file.
// Lines that are absent (CapAmb on old kernels) leave the set empty.
func ParseStatus(r io.Reader) (*Status, error) {
	var st Status
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		var dst *Mask
		switch k {
		case "CapInh":
			dst = &st.Inheritable
		case "CapPrm":
			dst = &st.Permitted
		case "CapEff":
			dst = &st.Effective
		case "CapBnd":
			dst = &st.Bounding
		case "CapAmb":
			dst = &st.Ambient
		default:
			continue
		}
		ui64, err := strconv.ParseUint(strings.TrimSpace(v), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse line %q", line)
		}
		*dst = Mask(ui64)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &st, nil
}

// Current returns the capability sets of the current process.
func Current() (*Status, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseStatus(f)
}
