package sysfs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

const (
	gpuBusyFilename       = "gpu_busy_percent"
	memBusyFilename       = "mem_busy_percent"
	ppDpmSclkFilename     = "pp_dpm_sclk"
	ppDpmMclkFilename     = "pp_dpm_mclk"
	vramUsedFilename      = "mem_info_vram_used"
	vramTotalFilename     = "mem_info_vram_total"
	pcieBandwidthFilename = "pcie_bw"
	rasDir                = "ras"
	rasCountSuffix        = "_err_count"
	hwmonTempEdgeFile     = "temp1_input"
	hwmonTempMemFile      = "temp3_input"
	hwmonFanFile          = "fan1_input"
	hwmonPowerAverageFile = "power1_average"
	hwmonPowerInputFile   = "power1_input"
)

// errMissing marks a sysfs attribute that this kernel or card does not expose.
var errMissing = errors.New("attribute not present")

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, errMissing)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%s: empty value", path)
	}
	return value, nil
}

func readInt(path string) (int64, error) {
	raw, err := readFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return value, nil
}

func readPercent(path string) (int64, error) {
	raw, err := readFile(path)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("%s: negative percentage %v", path, value)
	}
	// Some kernels report busy % scaled by 100.
	if value > 100 {
		value = math.Min(value/100, 100)
	}
	return int64(math.Round(value)), nil
}

// readCurrentClockHz returns the active DPM level marked with '*'.
func readCurrentClockHz(path string) (int64, error) {
	raw, err := readFile(path)
	if err != nil {
		return 0, err
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "*") {
			continue
		}
		if mhz, ok := extractClockMHz(line); ok {
			return int64(mhz * 1_000_000), nil
		}
	}
	return 0, fmt.Errorf("%s: no active clock level", path)
}

func extractClockMHz(line string) (float64, bool) {
	for _, field := range strings.Fields(line) {
		field = strings.ToLower(strings.TrimSuffix(field, "*"))
		if !strings.HasSuffix(field, "mhz") {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSuffix(field, "mhz"), 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// readPCIeBandwidth parses "count0 count1 mps" where count0 is packets
// received and count1 packets sent during the kernel's one second window.
func readPCIeBandwidth(path string) (rx, tx int64, err error) {
	raw, err := readFile(path)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(raw)
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("%s: unexpected format %q", path, raw)
	}

	var nums [3]int64
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse %s: %w", path, err)
		}
		nums[i] = n
	}
	return nums[0] * nums[2], nums[1] * nums[2], nil
}

// readRASCounts sums the uncorrectable and correctable counters of every RAS block.
func readRASCounts(devicePath string) (ue, ce int64, err error) {
	matches, err := filepath.Glob(filepath.Join(devicePath, rasDir, "*"+rasCountSuffix))
	if err != nil {
		return 0, 0, err
	}
	if len(matches) == 0 {
		return 0, 0, fmt.Errorf("%s: %w", filepath.Join(devicePath, rasDir), errMissing)
	}

	for _, path := range matches {
		raw, err := readFile(path)
		if err != nil {
			return 0, 0, err
		}
		scanner := bufio.NewScanner(strings.NewReader(raw))
		for scanner.Scan() {
			key, value, ok := strings.Cut(scanner.Text(), ":")
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse %s: %w", path, err)
			}
			switch strings.TrimSpace(key) {
			case "ue":
				ue += n
			case "ce":
				ce += n
			}
		}
	}
	return ue, ce, nil
}

// readPower prefers the averaged reading and falls back to the instantaneous one.
func readPower(hwmonPath string) (int64, error) {
	value, err := readInt(filepath.Join(hwmonPath, hwmonPowerAverageFile))
	if err == nil {
		return value, nil
	}
	return readInt(filepath.Join(hwmonPath, hwmonPowerInputFile))
}

func (b *Backend) read(c card, name string, field telemetry.FieldID) (telemetry.Value, error) {
	dev := c.devicePath
	hw := c.hwmonPath

	needsHwmon := field == telemetry.FieldGPUTemp || field == telemetry.FieldMemoryTemp ||
		field == telemetry.FieldPowerUsage || field == telemetry.FieldFanSpeed
	if needsHwmon && hw == "" {
		return telemetry.Value{}, fmt.Errorf("%s hwmon: %w", c.id, errMissing)
	}

	var (
		v   int64
		err error
	)
	switch field {
	case telemetry.FieldDeviceName:
		return telemetry.StringValue(name), nil
	case telemetry.FieldGPUClock:
		v, err = readCurrentClockHz(filepath.Join(dev, ppDpmSclkFilename))
	case telemetry.FieldMemClock:
		v, err = readCurrentClockHz(filepath.Join(dev, ppDpmMclkFilename))
	case telemetry.FieldGPUTemp:
		v, err = readInt(filepath.Join(hw, hwmonTempEdgeFile))
	case telemetry.FieldMemoryTemp:
		v, err = readInt(filepath.Join(hw, hwmonTempMemFile))
	case telemetry.FieldPowerUsage:
		v, err = readPower(hw)
	case telemetry.FieldFanSpeed:
		v, err = readInt(filepath.Join(hw, hwmonFanFile))
	case telemetry.FieldPCIeTx, telemetry.FieldPCIeRx:
		var rx, tx int64
		rx, tx, err = readPCIeBandwidth(filepath.Join(dev, pcieBandwidthFilename))
		v = rx
		if field == telemetry.FieldPCIeTx {
			v = tx
		}
	case telemetry.FieldGPUUtil:
		v, err = readPercent(filepath.Join(dev, gpuBusyFilename))
	case telemetry.FieldMemoryBusy:
		v, err = readPercent(filepath.Join(dev, memBusyFilename))
	case telemetry.FieldMemoryUsage:
		v, err = readInt(filepath.Join(dev, vramUsedFilename))
	case telemetry.FieldMemoryTotal:
		v, err = readInt(filepath.Join(dev, vramTotalFilename))
	case telemetry.FieldECCCorrectTotal, telemetry.FieldECCUncorrectTotal:
		var ue, ce int64
		ue, ce, err = readRASCounts(dev)
		v = ce
		if field == telemetry.FieldECCUncorrectTotal {
			v = ue
		}
	default:
		return telemetry.Value{}, errMissing
	}

	if err != nil {
		return telemetry.Value{}, err
	}
	return telemetry.IntValue(v), nil
}
