//go:build windows

package tracker

import (
	"os/exec"
	"strconv"
	"strings"
)

// processAlive shells out to tasklist /FI, the documented Windows way to
// query a single PID's liveness without a handle.
func processAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", "PID eq "+strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

// killProcess invokes taskkill /F /PID, matching the platform contract in
// spec §4.1.
func killProcess(pid int) {
	_ = exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// findProcessesByImagePrefixes enumerates processes via tasklist and
// returns PIDs whose image name matches one of the given prefixes.
func findProcessesByImagePrefixes(prefixes []string) []int {
	out, err := exec.Command("tasklist", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		image := strings.Trim(fields[0], `"`)
		pidStr := strings.Trim(fields[1], `"`)
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(image, prefix) {
				pids = append(pids, pid)
				break
			}
		}
	}
	return pids
}
