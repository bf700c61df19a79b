// Package pathmeta collects lightweight system and path metadata (load,
// memory, MTU, clock-sync heuristic, build info) for the get_path_meta
// RPC. No third-party system-info library appears anywhere in the
// reference corpus, so this reads directly from /proc on Linux with
// conservative stdlib-only fallbacks elsewhere.
package pathmeta

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/wire"
)

// candidateInterfaces are checked, in order, for an MTU value when probing
// /sys/class/net. Mirrors a short list of common primary-interface names
// rather than attempting full routing-table introspection.
var candidateInterfaces = []string{"eth0", "ens0", "eno1", "enp0s3", "en0"}

// Collect gathers current load, memory, MTU, and clock-sync status into a
// PathMeta, along with the build identifiers passed by the caller.
func Collect(buildVersion, buildHash string) wire.PathMeta {
	loadAvg := readLoadAvg()
	memUsed, memTotal := readMemoryMB()

	cpuCount := runtime.NumCPU()
	cpuLoad := 0.0
	if cpuCount > 0 {
		cpuLoad = loadAvg[0] / float64(cpuCount)
	}

	meta := wire.PathMeta{
		CPULoad:       cpuLoad,
		MemoryUsedMB:  memUsed,
		MemoryTotalMB: memTotal,
		LoadAvg:       loadAvg,
		TimeSynced:    checkTimeSynced(),
		BuildVersion:  buildVersion,
		BuildHash:     buildHash,
	}
	if mtu, ok := detectMTU(); ok {
		meta.MTU = &mtu
	}
	return meta
}

func readLoadAvg() [3]float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return [3]float64{}
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return [3]float64{}
	}
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i], _ = strconv.ParseFloat(fields[i], 64)
	}
	return out
}

func readMemoryMB() (usedMB, totalMB uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	var totalKB, availableKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoValue(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availableKB = parseMeminfoValue(line)
		}
	}
	totalMB = totalKB / 1024
	if availableKB <= totalKB {
		usedMB = (totalKB - availableKB) / 1024
	}
	return usedMB, totalMB
}

func parseMeminfoValue(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

func detectMTU() (uint32, bool) {
	for _, iface := range candidateInterfaces {
		data, err := os.ReadFile("/sys/class/net/" + iface + "/mtu")
		if err != nil {
			continue
		}
		mtu, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
		if err != nil {
			continue
		}
		return uint32(mtu), true
	}
	return 0, false
}

// checkTimeSynced shells out to timedatectl where available and reports
// true when timedatectl is unavailable or its answer is neither yes nor no.
func checkTimeSynced() bool {
	out, err := exec.Command("timedatectl", "show", "--property=NTPSynchronized", "--value").Output()
	if err == nil {
		switch strings.TrimSpace(string(out)) {
		case "yes":
			return true
		case "no":
			return false
		}
	}
	return true
}
