package core

import (
	"regexp"
	"strconv"
	"strings"
)

// FirmwareInfo is the parsed M115 report.
type FirmwareInfo struct {
	FirmwareName    string `json:"firmware_name"`
	SourceCodeURL   string `json:"source_code_url"`
	ProtocolVersion string `json:"protocol_version"`
	MachineType     string `json:"machine_type"`
	Kinematics      string `json:"kinematics"`
	ExtruderCount   int    `json:"extruder_count"`
	UUID            string `json:"uuid"`
}

var firmwareKeyRe = regexp.MustCompile(`\b(FIRMWARE_NAME|SOURCE_CODE_URL|PROTOCOL_VERSION|MACHINE_TYPE|KINEMATICS|EXTRUDER_COUNT|UUID):`)

// ParseFirmwareInfo extracts the key:value pairs Marlin packs into its M115
// reply. A value runs until the next known key on the same line. Capability
// lines (Cap:...) and anything else are ignored.
func ParseFirmwareInfo(text string) *FirmwareInfo {
	info := &FirmwareInfo{}
	for _, line := range strings.Split(text, "\n") {
		idx := firmwareKeyRe.FindAllStringSubmatchIndex(line, -1)
		for i, m := range idx {
			key := line[m[2]:m[3]]
			end := len(line)
			if i+1 < len(idx) {
				end = idx[i+1][0]
			}
			value := strings.TrimSpace(line[m[1]:end])
			switch key {
			case "FIRMWARE_NAME":
				info.FirmwareName = value
			case "SOURCE_CODE_URL":
				info.SourceCodeURL = value
			case "PROTOCOL_VERSION":
				info.ProtocolVersion = value
			case "MACHINE_TYPE":
				info.MachineType = value
			case "KINEMATICS":
				info.Kinematics = value
			case "EXTRUDER_COUNT":
				if n, err := strconv.Atoi(value); err == nil {
					info.ExtruderCount = n
				}
			case "UUID":
				info.UUID = value
			}
		}
	}
	return info
}

// TempReading is one actual/target pair from a temperature report.
type TempReading struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// TempReport carries hotend and bed readings from a single report line.
// Hotends is indexed by tool number; a bare T maps to tool 0.
type TempReport struct {
	Hotends map[int]TempReading `json:"hotends"`
	Bed     *TempReading        `json:"bed,omitempty"`
}

var tempPairRe = regexp.MustCompile(`\b(T\d*|B):\s*(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)

// ParseTempReport reads Marlin temperature reports of the form
// "T:210.0 /210.0 B:60.0 /60.0" (also inside "ok T:..." acknowledgements and
// M155 auto-reports). ok is false when the line carries no readings.
func ParseTempReport(line string) (*TempReport, bool) {
	pairs := tempPairRe.FindAllStringSubmatch(line, -1)
	if len(pairs) == 0 {
		return nil, false
	}
	report := &TempReport{Hotends: make(map[int]TempReading)}
	for _, p := range pairs {
		actual, err1 := strconv.ParseFloat(p[2], 64)
		target, err2 := strconv.ParseFloat(p[3], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		reading := TempReading{Actual: actual, Target: target}
		if p[1] == "B" {
			r := reading
			report.Bed = &r
			continue
		}
		tool := 0
		if len(p[1]) > 1 {
			tool, _ = strconv.Atoi(p[1][1:])
		}
		report.Hotends[tool] = reading
	}
	if len(report.Hotends) == 0 && report.Bed == nil {
		return nil, false
	}
	return report, true
}
