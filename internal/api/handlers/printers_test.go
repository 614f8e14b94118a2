package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printhost/internal/core"
	"github.com/openfab/printhost/internal/db"
)

func TestListPorts(t *testing.T) {
	env := newTestEnv(t)

	// Nothing known yet; refresh=0 serves the empty cache without probing.
	w := env.do(t, http.MethodGet, "/api/ports?refresh=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ports []core.PortInfo
	decode(t, w, &ports)
	assert.Empty(t, ports)

	env.enum.set(
		core.PortInfo{Path: "/dev/hnd-ports-a", IsUSB: true, VendorID: "2c99", ProductID: "0002", Model: "Original Prusa MK3"},
		core.PortInfo{Path: "/dev/hnd-ports-b"},
	)
	w = env.do(t, http.MethodGet, "/api/ports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &ports)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/hnd-ports-a", ports[0].Path)
	assert.Equal(t, "Original Prusa MK3", ports[0].Model)
	assert.False(t, ports[0].Connected)

	// Unplugged devices stay in the known set.
	env.enum.set()
	w = env.do(t, http.MethodGet, "/api/ports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &ports)
	assert.Len(t, ports, 2)

	// Enumerator trouble only surfaces when the client asked for a probe.
	env.enum.setErr(errors.New("udev unavailable"))
	w = env.do(t, http.MethodGet, "/api/ports", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	var er ErrorResponse
	decode(t, w, &er)
	assert.Equal(t, "communication_error", er.Error)

	w = env.do(t, http.MethodGet, "/api/ports?refresh=0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &ports)
	assert.Len(t, ports, 2)
}

func TestConnectAndDisconnect(t *testing.T) {
	env := newTestEnv(t)
	port := "/dev/hnd-connect"
	env.enum.set(core.PortInfo{
		Path:         port,
		IsUSB:        true,
		VendorID:     "2c99",
		ProductID:    "0002",
		SerialNumber: "CZPX3141",
		Model:        "Original Prusa MK3",
	})

	resp := env.connect(t, port)
	assert.Equal(t, "ready", resp.State)
	assert.True(t, resp.Verified)
	assert.Equal(t, core.DefaultBaudRate, resp.BaudRate)
	require.NotNil(t, resp.Firmware)
	assert.Equal(t, "Marlin 2.1.2", resp.Firmware.FirmwareName)

	// USB identity and handshake results both land in the printers table.
	require.Eventually(t, func() bool {
		row, err := db.Printers.GetByPort(context.Background(), port)
		return err == nil && row.VendorID == "2c99" && row.FirmwareName == "Marlin 2.1.2"
	}, 2*time.Second, 20*time.Millisecond)

	w := env.do(t, http.MethodGet, "/api/printers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []PrinterResponse
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, port, list[0].Port)

	w = env.do(t, http.MethodGet, "/api/printers/status?port="+port, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Reconnecting an open port reuses the session.
	env.connect(t, port)
	assert.Equal(t, 1, env.opener.openCount(port))

	// The persisted identity is served from history, connected or not.
	w = env.do(t, http.MethodGet, "/api/printers/known", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var known []*db.Printer
	decode(t, w, &known)
	found := false
	for _, k := range known {
		if k.Port == port {
			found = true
			assert.Equal(t, "Original Prusa MK3", k.Model)
		}
	}
	assert.True(t, found, "connected printer missing from known list")

	w = env.do(t, http.MethodPost, "/api/printers/disconnect", PortRequest{Port: port})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/printers/status?port="+port, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// Disconnecting an unknown port is not an error.
	w = env.do(t, http.MethodPost, "/api/printers/disconnect", PortRequest{Port: port})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestConnectValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/printers/connect", map[string]any{"baud_rate": 115200})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/printers/status", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	env.opener.setErr(errors.New("device busy"))
	w = env.do(t, http.MethodPost, "/api/printers/connect", ConnectRequest{Port: "/dev/hnd-busy"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	var er ErrorResponse
	decode(t, w, &er)
	assert.Equal(t, "communication_error", er.Error)
}

func TestSendCommand(t *testing.T) {
	env := newTestEnv(t)
	port := "/dev/hnd-send"
	env.connect(t, port)

	w := env.do(t, http.MethodPost, "/api/printers/command", CommandRequest{Port: port, Gcode: "M105"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp CommandResponse
	decode(t, w, &resp)
	assert.Equal(t, "M105", resp.Gcode)
	assert.Equal(t, "received_response", resp.State)
	assert.Equal(t, "ok", resp.Response)

	// The exchange is in the command log before the response went out.
	entries, err := db.CommandLogs.List(context.Background(), db.CommandLogFilter{PrinterPort: port})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "M105", entries[0].Gcode)
	assert.Equal(t, "received_response", entries[0].Status)

	// Fire and forget returns before the acknowledgement; the log entry
	// follows once the command settles.
	noWait := false
	w = env.do(t, http.MethodPost, "/api/printers/command", CommandRequest{Port: port, Gcode: "G28", Wait: &noWait})
	require.Equal(t, http.StatusAccepted, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "G28", resp.Gcode)
	require.Eventually(t, func() bool {
		entries, err := db.CommandLogs.List(context.Background(), db.CommandLogFilter{PrinterPort: port})
		return err == nil && len(entries) == 2
	}, 2*time.Second, 20*time.Millisecond)

	w = env.do(t, http.MethodGet, "/api/printers/commands?port="+port, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logged []*db.CommandLogEntry
	decode(t, w, &logged)
	assert.Len(t, logged, 2)
}

func TestSendCommandErrors(t *testing.T) {
	env := newTestEnv(t)
	port := "/dev/hnd-send-err"
	env.connect(t, port)

	w := env.do(t, http.MethodPost, "/api/printers/command", CommandRequest{Port: "/dev/hnd-nope", Gcode: "G28"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/printers/command", CommandRequest{Port: port, Gcode: "G28\nG29"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var er ErrorResponse
	decode(t, w, &er)
	assert.Equal(t, "validation_error", er.Error)

	w = env.do(t, http.MethodPost, "/api/printers/command", map[string]any{"port": port})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// A mute printer runs the command into its deadline.
	env.dev.quiet.Store(true)
	w = env.do(t, http.MethodPost, "/api/printers/command", CommandRequest{Port: port, Gcode: "M400", TimeoutMS: 50})
	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	decode(t, w, &er)
	assert.Equal(t, "timeout", er.Error)

	// Rejected commands never reach the log; the timed-out one does.
	entries, err := db.CommandLogs.List(context.Background(), db.CommandLogFilter{PrinterPort: port})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "M400", entries[0].Gcode)
	assert.Equal(t, "timed_out", entries[0].Status)
}

func TestGetFirmware(t *testing.T) {
	env := newTestEnv(t)
	port := "/dev/hnd-fw"
	env.connect(t, port)

	w := env.do(t, http.MethodGet, "/api/printers/firmware?port="+port, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info core.FirmwareInfo
	decode(t, w, &info)
	assert.Equal(t, "Marlin 2.1.2", info.FirmwareName)
	assert.Equal(t, "Ender-3", info.MachineType)
	assert.Equal(t, 1, info.ExtruderCount)

	w = env.do(t, http.MethodGet, "/api/printers/firmware", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/printers/firmware?port=/dev/hnd-nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
