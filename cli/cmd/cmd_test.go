package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/satlla/obc/adapter"
	"github.com/satlla/obc/archive"
	"github.com/satlla/obc/cli/config"
	"github.com/satlla/obc/executor"
	"github.com/satlla/obc/mission"
	"github.com/satlla/obc/pyramid"
	"github.com/satlla/obc/queue"
	"github.com/satlla/obc/types"
)

// runApp runs the CLI in-process and returns what it rendered. Exit codes
// come back as cli.ExitCoder errors instead of terminating the test.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := &cli.App{
		Name:           "obc",
		Writer:         &out,
		ErrWriter:      io.Discard,
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			RunCommand(),
			ExecCommand(),
			EncodeCommand(),
			DecodeCommand(),
			QueueCommand(),
			ArchiveCommand(),
			VersionCommand("abc123"),
		},
	}
	err := app.Run(append([]string{"obc"}, args...))
	return out.String(), err
}

// storage returns flags pointing the queue and counters into a temp dir.
func storage(t *testing.T) (root string, flags []string) {
	t.Helper()
	root = t.TempDir()
	return root, []string{
		"--outbox-dir", filepath.Join(root, "outbox"),
		"--sent-dir", filepath.Join(root, "sent"),
		"--state-file", filepath.Join(root, "state.msgpack"),
	}
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return exitSuccess
	}
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		t.Fatalf("error %v is not a cli.ExitCoder", err)
	}
	return coder.ExitCode()
}

func decodeJSON[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	return v
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadOnlyFlags_IncludesFormat(t *testing.T) {
	flags := ReadOnlyFlags()
	if len(flags) != 1 || flags[0].Names()[0] != "format" {
		t.Errorf("ReadOnlyFlags() = %v, want [format]", flags)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []byte
		wantErr bool
	}{
		{name: "single opcode", args: []string{"01"}, want: []byte{0x01}},
		{name: "bytes", args: []string{"04", "03", "01"}, want: []byte{0x04, 0x03, 0x01}},
		{name: "prefix and single digit", args: []string{"0x0A", "f"}, want: []byte{0x0a, 0x0f}},
		{name: "multi-byte argument", args: []string{"100101"}, want: []byte{0x10, 0x01, 0x01}},
		{name: "empty", args: nil, wantErr: true},
		{name: "not hex", args: []string{"zz"}, wantErr: true},
		{name: "empty after prefix", args: []string{"0x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFrame(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseFrame(%v) = %x, want error", tt.args, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFrame(%v): %v", tt.args, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("parseFrame(%v) = %x, want %x", tt.args, got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	resp := decodeJSON[VersionResponse](t, out)
	if resp.Version != types.Version {
		t.Errorf("version = %q, want %q", resp.Version, types.Version)
	}
	if resp.Commit != "abc123" {
		t.Errorf("commit = %q, want abc123", resp.Commit)
	}
}

func TestVersionCommand_InvalidFormat(t *testing.T) {
	if _, err := runApp(t, "version", "--format", "xml"); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestExec_GetState(t *testing.T) {
	_, flags := storage(t)
	args := append([]string{"exec", "--format", "json"}, flags...)
	out, err := runApp(t, append(args, "01")...)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	resp := decodeJSON[ExecResponse](t, out)
	if resp.Command != "GET_STATE" {
		t.Errorf("command = %q, want GET_STATE", resp.Command)
	}
	if !slices.Equal(resp.Replies, Frames{"01"}) {
		t.Errorf("replies = %v, want [01]", resp.Replies)
	}
	if resp.State != "READY" {
		t.Errorf("state = %q, want READY", resp.State)
	}
}

func TestExec_GetDataDeliversAndMoves(t *testing.T) {
	root, flags := storage(t)
	writeFile(t, filepath.Join(root, "outbox", "5", "_metafile.bin"), []byte{1, 2, 3})

	args := append([]string{"exec", "--format", "json"}, flags...)
	out, err := runApp(t, append(args, "02")...)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	resp := decodeJSON[ExecResponse](t, out)
	// mission 5 LE, type META (0x14), payload.
	if !slices.Equal(resp.Replies, Frames{"050014010203"}) {
		t.Errorf("replies = %v, want [050014010203]", resp.Replies)
	}
	if resp.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", resp.Delivered)
	}
	if _, err := os.Stat(filepath.Join(root, "sent", "5", "_metafile.bin")); err != nil {
		t.Errorf("artifact not moved to sent: %v", err)
	}

	out, err = runApp(t, append(args, "02")...)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	resp = decodeJSON[ExecResponse](t, out)
	if !slices.Equal(resp.Replies, Frames{"00"}) {
		t.Errorf("replies on empty queue = %v, want [00]", resp.Replies)
	}
}

func TestExec_PowerOffClosesLinkWithoutShutdown(t *testing.T) {
	_, flags := storage(t)
	args := append([]string{"exec", "--format", "json"}, flags...)
	out, err := runApp(t, append(args, "08")...)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	resp := decodeJSON[ExecResponse](t, out)
	if !slices.Equal(resp.Replies, Frames{"03"}) {
		t.Errorf("replies = %v, want [03]", resp.Replies)
	}
	if !resp.LinkClosed {
		t.Error("link should be closed after POWER_OFF")
	}
}

func TestExec_DropOutboxAndSent(t *testing.T) {
	root, flags := storage(t)
	writeFile(t, filepath.Join(root, "outbox", "1", "icon.jpeg"), []byte("x"))
	writeFile(t, filepath.Join(root, "sent", "0", "icon.jpeg"), []byte("y"))

	args := append([]string{"exec", "--format", "json"}, flags...)
	if _, err := runApp(t, append(args, "09", "01")...); err != nil {
		t.Fatalf("exec: %v", err)
	}
	for _, dir := range []string{"outbox", "sent"} {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			t.Fatalf("read %s: %v", dir, err)
		}
		if len(entries) != 0 {
			t.Errorf("%s still has %d entries", dir, len(entries))
		}
	}
}

func TestExec_InvalidFrame(t *testing.T) {
	_, flags := storage(t)
	args := append([]string{"exec"}, flags...)
	_, err := runApp(t, append(args, "xyz")...)
	if code := exitCode(t, err); code != exitFailure {
		t.Errorf("exit code = %d, want %d", code, exitFailure)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obc.yaml")
	writeFile(t, path, []byte("adapter:\n  type: carrier-pigeon\n"))

	_, err := runApp(t, "run", "--config", path)
	if code := exitCode(t, err); code != exitConfigError {
		t.Errorf("exit code = %d, want %d", code, exitConfigError)
	}
}

func TestQueue_ListDropCounters(t *testing.T) {
	root, flags := storage(t)
	writeFile(t, filepath.Join(root, "outbox", "2", "_metafile.bin"), []byte{1, 2, 3, 4, 5, 6, 7})
	writeFile(t, filepath.Join(root, "outbox", "2", "icon.jpeg"), []byte("icon"))
	writeFile(t, filepath.Join(root, "sent", "1", "icon.jpeg"), []byte("old"))

	list := append([]string{"queue", "list", "--format", "json"}, flags...)
	out, err := runApp(t, list...)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	entries := decodeJSON[[]queue.Entry](t, out)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2: %s", len(entries), out)
	}
	for _, e := range entries {
		if e.MissionID != 2 {
			t.Errorf("entry %s mission = %d, want 2", e.Name, e.MissionID)
		}
	}

	drop := append([]string{"queue", "drop", "--format", "json", "--sent"}, flags...)
	out, err = runApp(t, drop...)
	if err != nil {
		t.Fatalf("queue drop: %v", err)
	}
	dropped := decodeJSON[[]DropResponse](t, out)
	if len(dropped) != 2 {
		t.Fatalf("drop results = %d, want 2", len(dropped))
	}
	// outbox: two files and the mission dir; sent: one file and its dir.
	if dropped[0].Removed != 3 || dropped[1].Removed != 2 {
		t.Errorf("removed = %d/%d, want 3/2", dropped[0].Removed, dropped[1].Removed)
	}

	out, err = runApp(t, list...)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if entries := decodeJSON[[]queue.Entry](t, out); len(entries) != 0 {
		t.Errorf("entries after drop = %d, want 0", len(entries))
	}

	counters := append([]string{"queue", "counters", "--format", "json"}, flags...)
	out, err = runApp(t, counters...)
	if err != nil {
		t.Fatalf("queue counters: %v", err)
	}
	if c := decodeJSON[CountersResponse](t, out); c.BootCount != 0 || c.MissionCount != 0 {
		t.Errorf("counters = %+v, want zero", c)
	}
}

func TestQueue_TableOutput(t *testing.T) {
	root, flags := storage(t)
	writeFile(t, filepath.Join(root, "outbox", "4", "icon.jpeg"), []byte("icon"))

	out, err := runApp(t, append([]string{"queue", "list", "--format", "table"}, flags...)...)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("MISSION_ID")) || !bytes.Contains([]byte(out), []byte("icon.jpeg")) {
		t.Errorf("table output missing header or row:\n%s", out)
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: uint8((x + y) * 2), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, buf.Bytes())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	layers := filepath.Join(dir, "layers")
	dst := filepath.Join(dir, "out.png")
	writePNG(t, src, 64, 48)

	out, err := runApp(t, "encode", "--format", "json", "--budget", "8192", "--keep-preview", src, layers)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res := decodeJSON[pyramid.Result](t, out)
	if len(res.Layers) == 0 {
		t.Fatal("encode wrote no layers")
	}
	if res.TotalBytes > res.Budget {
		t.Errorf("total %d exceeds budget %d", res.TotalBytes, res.Budget)
	}
	if res.Height != 48 || res.Width != 64 {
		t.Errorf("source dims = %dx%d, want 64x48", res.Width, res.Height)
	}
	if _, err := os.Stat(filepath.Join(layers, pyramid.PreviewName)); err != nil {
		t.Errorf("preview not kept: %v", err)
	}

	out, err = runApp(t, "decode", "--format", "json", "--width", "64", "--height", "48", layers, dst)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	dec := decodeJSON[DecodeResponse](t, out)
	if dec.Width != 64 || dec.Height != 48 {
		t.Errorf("decoded dims = %dx%d, want 64x48", dec.Width, dec.Height)
	}
	if dec.Layers != len(res.Layers) {
		t.Errorf("decoded layers = %d, want %d", dec.Layers, len(res.Layers))
	}

	f, err := os.Open(dst)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode output png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("png dims = %dx%d, want 64x48", b.Dx(), b.Dy())
	}
}

func TestDecode_PrefixRestoresOriginalSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	layers := filepath.Join(dir, "layers")
	writePNG(t, src, 64, 48)

	if _, err := runApp(t, "encode", "--keep-preview", src, layers); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// The preview header carries the size.
	out, err := runApp(t, "decode", "--format", "json", "--layers", "1", layers, filepath.Join(dir, "a.png"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec := decodeJSON[DecodeResponse](t, out); dec.Width != 64 || dec.Height != 48 || dec.Layers != 1 {
		t.Errorf("decoded %d layers to %dx%d, want 1 layer at 64x48", dec.Layers, dec.Width, dec.Height)
	}

	// With only the base layer on the ground, the metadata record does.
	entries, err := os.ReadDir(layers)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !slices.Contains([]string{"lap_pyr_1.bin", "lap_pyr_1.png", "lap_pyr_1.jp2"}, e.Name()) {
			if err := os.Remove(filepath.Join(layers, e.Name())); err != nil {
				t.Fatal(err)
			}
		}
	}
	meta, _ := types.MetaRecord{Class: 1, Height: 48, Width: 64, Channels: 3, Count: 3}.MarshalBinary()
	metaPath := filepath.Join(dir, "_metafile.bin")
	writeFile(t, metaPath, meta)

	out, err = runApp(t, "decode", "--format", "json", "--meta", metaPath, layers, filepath.Join(dir, "b.png"))
	if err != nil {
		t.Fatalf("decode --meta: %v", err)
	}
	if dec := decodeJSON[DecodeResponse](t, out); dec.Width != 64 || dec.Height != 48 {
		t.Errorf("decoded to %dx%d, want 64x48", dec.Width, dec.Height)
	}
}

func TestEncode_MissingArgs(t *testing.T) {
	_, err := runApp(t, "encode", "only-one.png")
	if code := exitCode(t, err); code != exitFailure {
		t.Errorf("exit code = %d, want %d", code, exitFailure)
	}
}

func TestDecode_WidthWithoutHeight(t *testing.T) {
	_, err := runApp(t, "decode", "--width", "10", t.TempDir(), "out.png")
	if code := exitCode(t, err); code != exitFailure {
		t.Errorf("exit code = %d, want %d", code, exitFailure)
	}
}

func TestDecode_NoLayers(t *testing.T) {
	dir := t.TempDir()
	_, err := runApp(t, "decode", dir, filepath.Join(dir, "out.png"))
	if code := exitCode(t, err); code != exitFailure {
		t.Errorf("exit code = %d, want %d", code, exitFailure)
	}
}

// scriptRunner answers every command with fixed stdout.
type scriptRunner struct {
	mu       sync.Mutex
	commands []executor.Command
	stdout   string
}

func (r *scriptRunner) Run(_ context.Context, c executor.Command) (*executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	return &executor.Result{Stdout: []byte(r.stdout)}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Outbox: filepath.Join(root, "outbox"),
			Sent:   filepath.Join(root, "sent"),
			State:  filepath.Join(root, "state.msgpack"),
		},
		Upload: config.UploadConfig{ScriptsDir: filepath.Join(root, "scripts")},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestSystem_UploadMissionNotifiesWebhook(t *testing.T) {
	var (
		mu     sync.Mutex
		events []adapter.MissionCompletedEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev adapter.MissionCompletedEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Adapter = config.AdapterConfig{Type: config.AdapterWebhook, URL: srv.URL}
	runner := &scriptRunner{stdout: "42\n"}

	sys, err := newSystem(t.Context(), cfg, systemOptions{quiet: true, noPlatform: true, runner: runner})
	if err != nil {
		t.Fatalf("newSystem: %v", err)
	}
	if sys.bootCount != 1 {
		t.Errorf("boot count = %d, want 1", sys.bootCount)
	}
	rec := &recorder{}
	d, err := sys.newDispatcher(rec)
	if err != nil {
		t.Fatalf("newDispatcher: %v", err)
	}
	d.Ready()

	d.Dispatch(t.Context(), []byte{byte(types.OpUploadFile), 1, 1, 4, 'p', 'a', 's', 's'})
	sys.close()

	if !slices.Equal(rec.hex(), Frames{"03"}) {
		t.Errorf("replies = %v, want [03]", rec.hex())
	}
	if len(runner.commands) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(runner.commands))
	}
	result, err := os.ReadFile(filepath.Join(cfg.Storage.Outbox, "0", mission.UploadResultFile))
	if err != nil {
		t.Fatalf("read upload result: %v", err)
	}
	if want := []byte{1, 1, 2, '4', '2'}; !bytes.Equal(result, want) {
		t.Errorf("upload result = %v, want %v", result, want)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Command != "UPLOAD_FILE" || ev.Handler != "upload_file" || ev.Outcome != adapter.OutcomeSuccess {
		t.Errorf("event = %+v", ev)
	}
	if ev.BootID != sys.bootID {
		t.Errorf("event boot_id = %q, want %q", ev.BootID, sys.bootID)
	}
}

func TestSystem_ArchivesDeliveredArtifacts(t *testing.T) {
	cfg := testConfig(t)
	archiveRoot := t.TempDir()
	cfg.Archive = config.ArchiveConfig{Backend: config.BackendFS, Path: archiveRoot}

	sys, err := newSystem(t.Context(), cfg, systemOptions{quiet: true, noPlatform: true})
	if err != nil {
		t.Fatalf("newSystem: %v", err)
	}
	defer sys.close()
	writeFile(t, filepath.Join(cfg.Storage.Outbox, "3", "icon.jpeg"), []byte("icon"))

	d, err := sys.newDispatcher(&recorder{})
	if err != nil {
		t.Fatalf("newDispatcher: %v", err)
	}
	d.Ready()
	d.Dispatch(t.Context(), []byte{byte(types.OpGetData)})

	data, err := os.ReadFile(filepath.Join(archiveRoot, "missions", "mission=3", "icon.jpeg"))
	if err != nil {
		t.Fatalf("archived artifact: %v", err)
	}
	if string(data) != "icon" {
		t.Errorf("archived = %q, want icon", data)
	}
	if snap := sys.metrics.Snapshot(); snap.ArchiveWriteSuccess != 1 {
		t.Errorf("archive writes = %d, want 1", snap.ArchiveWriteSuccess)
	}
}

func TestArchiveList_AfterDelivery(t *testing.T) {
	root, flags := storage(t)
	archiveRoot := filepath.Join(root, "archive")
	cfgPath := filepath.Join(root, "obc.yaml")
	writeFile(t, cfgPath, []byte("archive:\n  backend: fs\n  path: "+archiveRoot+"\n"))
	writeFile(t, filepath.Join(root, "outbox", "6", "cs_file.bin"), []byte("RJA35K  "))
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	args := append([]string{"exec", "--format", "json", "--config", cfgPath}, flags...)
	if _, err := runApp(t, append(args, "02")...); err != nil {
		t.Fatalf("exec: %v", err)
	}

	out, err := runApp(t, "archive", "list", "--format", "json", "--config", cfgPath, "--mission", "6")
	if err != nil {
		t.Fatalf("archive list: %v", err)
	}
	got := decodeJSON[[]archive.Delivery](t, out)
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1: %s", len(got), out)
	}
	if got[0].Name != "cs_file.bin" || got[0].Bytes != 8 || got[0].MissionID != 6 {
		t.Errorf("delivery = %+v", got[0])
	}
}

func TestArchiveList_NoBackend(t *testing.T) {
	_, err := runApp(t, "archive", "list", "--mission", "1")
	if code := exitCode(t, err); code != exitConfigError {
		t.Errorf("exit code = %d, want %d", code, exitConfigError)
	}
}

func TestSystem_HandlersAndOptionalParts(t *testing.T) {
	sys, err := newSystem(t.Context(), testConfig(t), systemOptions{quiet: true})
	if err != nil {
		t.Fatalf("newSystem: %v", err)
	}
	defer sys.close()

	for _, op := range []types.Opcode{types.OpTakePhoto, types.OpNewTakePhoto, types.OpADSB, types.OpUploadFile} {
		if _, ok := sys.handlers[op]; !ok {
			t.Errorf("no handler for %s", op)
		}
	}
	if sys.notifier != nil || sys.archive != nil {
		t.Error("notifier and archive should be off without config")
	}
	if sys.platform == nil {
		t.Error("platform should be set")
	}
}

func TestNewNotifier_RedisURLRequired(t *testing.T) {
	_, err := newNotifier(config.AdapterConfig{Type: config.AdapterRedis}, "boot", nil, nil)
	if err == nil {
		t.Fatal("expected error for redis adapter without URL")
	}
}
