//go:build linux

package offcache

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
)

// processRSSBytes reads VmRSS from /proc/self/status. ok is false when the
// file is missing or has no such line.
func processRSSBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("VmRSS:")) {
			continue
		}
		// "VmRSS:	   12345 kB"
		fields := bytes.Fields(line[len("VmRSS:"):])
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb << 10, true
	}
	return 0, false
}
