// Package serialport adapts go.bug.st/serial to the core transport
// interfaces and labels discovered devices by their USB identifiers.
package serialport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/openfab/printhost/internal/core"
)

// knownVendors maps USB vendor IDs (lowercase hex) to display names for the
// manufacturers that show up on printer farms.
var knownVendors = map[string]string{
	"2c99": "Prusa Research",
	"23c1": "MakerBot",
	"2b71": "Ultimaker",
	"1d50": "OpenMoko",
	"0403": "FTDI",
	"1a86": "QinHeng (CH340)",
	"10c4": "Silicon Labs (CP210x)",
	"2341": "Arduino",
	"16c0": "Van Ooijen Technische Informatica",
}

// knownModels maps "vid:pid" pairs to model names where the pair is specific
// enough to identify one.
var knownModels = map[string]string{
	"2c99:0001": "Original Prusa MK2",
	"2c99:0002": "Original Prusa MK3",
	"2c99:000d": "Original Prusa MK4",
	"2c99:0015": "Prusa XL",
	"23c1:0005": "MakerBot Replicator 2",
}

// Opener opens real serial devices in the 8N1 framing Marlin expects.
type Opener struct{}

func (Opener) Open(path string, baudRate int) (core.Transport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return port, nil
}

// Enumerator lists serial devices with USB metadata attached.
type Enumerator struct{}

func (Enumerator) List() ([]core.PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	out := make([]core.PortInfo, 0, len(details))
	for _, d := range details {
		info := core.PortInfo{
			Path:  d.Name,
			IsUSB: d.IsUSB,
		}
		if d.IsUSB {
			info.VendorID = strings.ToLower(d.VID)
			info.ProductID = strings.ToLower(d.PID)
			info.SerialNumber = d.SerialNumber
			info.Product = d.Product
			info.Vendor = knownVendors[info.VendorID]
			info.Model = knownModels[info.VendorID+":"+info.ProductID]
			if info.Model == "" {
				info.Model = d.Product
			}
		}
		out = append(out, info)
	}
	return out, nil
}
