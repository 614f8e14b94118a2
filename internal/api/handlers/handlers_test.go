package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/openfab/printhost/internal/archive"
	"github.com/openfab/printhost/internal/core"
	"github.com/openfab/printhost/internal/db"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := db.Init(db.Config{Path: ":memory:"}); err != nil {
		fmt.Fprintln(os.Stderr, "db init:", err)
		os.Exit(1)
	}
	code := m.Run()
	db.Close()
	os.Exit(code)
}

const firmwareReply = "FIRMWARE_NAME:Marlin 2.1.2 SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin PROTOCOL_VERSION:1.0 MACHINE_TYPE:Ender-3 EXTRUDER_COUNT:1 UUID:cede2a2f-41a2-4748-9b12-c55c62f367ff\nCap:AUTOREPORT_TEMP:1\nok\n"

// fakePort is an in-memory core.Transport; the device side is played by a
// fakeDevice goroutine.
type fakePort struct {
	incoming  chan []byte
	writeCh   chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending []byte
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 64),
		writeCh:  make(chan string, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	select {
	case chunk := <-f.incoming:
		n := copy(p, chunk)
		if n < len(chunk) {
			f.mu.Lock()
			f.pending = append(f.pending, chunk[n:]...)
			f.mu.Unlock()
		}
		return n, nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, fmt.Errorf("port closed")
	default:
	}
	line := strings.TrimSuffix(string(p), "\n")
	select {
	case f.writeCh <- line:
	default:
	}
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePort) send(s string) {
	select {
	case f.incoming <- []byte(s):
	case <-f.closed:
	}
}

func (f *fakePort) awaitWrite(d time.Duration) (string, bool) {
	select {
	case line := <-f.writeCh:
		return line, true
	case <-f.closed:
		return "", false
	case <-time.After(d):
		return "", false
	}
}

// fakeDevice acknowledges every command and answers the identification probe
// with a Marlin banner. While quiet it swallows writes without replying.
type fakeDevice struct {
	quiet atomic.Bool
}

func (d *fakeDevice) run(port *fakePort) {
	for {
		line, ok := port.awaitWrite(5 * time.Second)
		if !ok {
			return
		}
		if d.quiet.Load() {
			continue
		}
		if strings.HasPrefix(line, "M115") {
			port.send(firmwareReply)
			continue
		}
		port.send("ok\n")
	}
}

type fakeOpener struct {
	mu    sync.Mutex
	err   error
	opens map[string]int
	sim   func(*fakePort)
}

func newFakeOpener(sim func(*fakePort)) *fakeOpener {
	return &fakeOpener{opens: make(map[string]int), sim: sim}
}

func (o *fakeOpener) Open(path string, baudRate int) (core.Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	o.opens[path]++
	port := newFakePort()
	if o.sim != nil {
		go o.sim(port)
	}
	return port, nil
}

func (o *fakeOpener) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *fakeOpener) openCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

type fakeEnum struct {
	mu    sync.Mutex
	ports []core.PortInfo
	err   error
}

func (e *fakeEnum) List() ([]core.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]core.PortInfo(nil), e.ports...), nil
}

func (e *fakeEnum) set(ports ...core.PortInfo) {
	e.mu.Lock()
	e.ports = ports
	e.mu.Unlock()
}

func (e *fakeEnum) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router *gin.Engine
	reg    *core.Registry
	opener *fakeOpener
	enum   *fakeEnum
	dev    *fakeDevice
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithArchiver(t, nil)
}

// newTestEnvWithArchiver wires the handlers onto a fresh router against a
// registry backed by in-memory ports, mirroring the production route table
// without the auth middleware.
func newTestEnvWithArchiver(t *testing.T, arch *archive.Archiver) *testEnv {
	t.Helper()
	logger := testLogger()
	dev := &fakeDevice{}
	opener := newFakeOpener(dev.run)
	enum := &fakeEnum{}
	reg := core.NewRegistry(opener, enum, core.RegistryOptions{
		HandshakeTimeout: 2 * time.Second,
		Logger:           logger,
		Sink:             db.NewRecorder(logger),
	})
	t.Cleanup(reg.Shutdown)

	printers := NewPrinterHandler(reg)
	jobs := NewJobHandler(reg)
	system := NewSystemHandler(reg, arch, "test")

	router := gin.New()
	router.GET("/healthz", system.Health)
	api := router.Group("/api")
	api.GET("/ports", printers.ListPorts)

	printerGroup := api.Group("/printers")
	printerGroup.GET("", printers.ListPrinters)
	printerGroup.GET("/known", printers.ListKnownPrinters)
	printerGroup.GET("/status", printers.GetPrinter)
	printerGroup.GET("/firmware", printers.GetFirmware)
	printerGroup.GET("/commands", printers.ListCommandLog)
	printerGroup.POST("/connect", printers.ConnectPrinter)
	printerGroup.POST("/disconnect", printers.DisconnectPrinter)
	printerGroup.POST("/command", printers.SendCommand)

	jobGroup := api.Group("/jobs")
	jobGroup.GET("", jobs.ListJobs)
	jobGroup.GET("/detail", jobs.GetJob)
	jobGroup.GET("/active", jobs.GetActiveJob)
	jobGroup.POST("/upload", jobs.UploadJob)
	jobGroup.POST("/start", jobs.StartJob)
	jobGroup.POST("/pause", jobs.PauseJob)
	jobGroup.POST("/resume", jobs.ResumeJob)
	jobGroup.POST("/stop", jobs.StopJob)

	systemGroup := api.Group("/system")
	systemGroup.GET("/info", system.Info)
	systemGroup.GET("/archives", system.ListArchives)
	systemGroup.POST("/archive", system.RunArchive)

	return &testEnv{router: router, reg: reg, opener: opener, enum: enum, dev: dev}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
}

func (e *testEnv) connect(t *testing.T, port string) PrinterResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/printers/connect", ConnectRequest{Port: port})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp PrinterResponse
	decode(t, w, &resp)
	return resp
}

func (e *testEnv) upload(t *testing.T, port, filename, content string, appendEnd bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("port", port))
	if appendEnd {
		require.NoError(t, mw.WriteField("append_end_sequence", "true"))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}
