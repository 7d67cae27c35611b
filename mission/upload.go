package mission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/executor"
	"github.com/satlla/obc/iox"
)

// UploadResultFile is the artifact reporting an upload's outcome.
const UploadResultFile = "_metaUploadingFile.bin"

// Upload defaults.
const (
	DefaultScriptsDir  = "./scripts"
	DefaultInterpreter = "python3"
	DefaultScriptExt   = ".py"
	DefaultScriptLimit = 60 * time.Second
)

// Script skeleton. Uploaded lines form the body of main; the footer prints
// its return value so the result can be captured.
const (
	scriptHeader  = "def main():\n"
	executeMarker = "#Execute script"
)

var scriptFooter = []string{"if __name__ == \"__main__\":\n", "    print(main())\n"}

var errorLine = regexp.MustCompile(`line (\d+)`)

// UploadConfig configures script upload.
type UploadConfig struct {
	ScriptsDir  string
	Interpreter string
	Extension   string
	Timeout     time.Duration
}

func (c UploadConfig) withDefaults() UploadConfig {
	if c.ScriptsDir == "" {
		c.ScriptsDir = DefaultScriptsDir
	}
	if c.Interpreter == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.Extension == "" {
		c.Extension = DefaultScriptExt
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultScriptLimit
	}
	return c
}

// Upload assembles a script one line per command and runs it once the
// final line arrives.
//
// Args: script number, line number (1-based), character count, the line
// text, and an optional trailing 1 that resets the script first. A line
// that does not end in a newline is the last one: the script is marked
// complete and executed. The result artifact holds 1, the script number,
// the output length, and the output on success; 0, the script number, and
// the failing line on error; the script number and line number while the
// script is still being assembled.
type Upload struct {
	Config UploadConfig
	Runner executor.Runner
}

func (u *Upload) Name() string { return "upload_file" }

func (u *Upload) Handle(ctx context.Context, m *dispatch.MissionContext) error {
	cfg := u.Config.withDefaults()
	if len(m.Args) < 3 {
		return dispatch.Fail(dispatch.KindInvalidArgs, "parse upload", fmt.Errorf("need 3 header bytes, got %d", len(m.Args)))
	}
	num, lineNum, count := m.Args[0], int(m.Args[1]), int(m.Args[2])
	if lineNum == 0 {
		return dispatch.Fail(dispatch.KindInvalidArgs, "parse upload", errors.New("line numbers start at 1"))
	}
	rest := m.Args[3:]
	text := string(rest[:min(count, len(rest))])
	reset := len(rest) > count && rest[count] == 1

	if err := os.MkdirAll(cfg.ScriptsDir, 0o755); err != nil {
		return dispatch.Fail(dispatch.KindIO, "create scripts dir", err)
	}
	path := filepath.Join(cfg.ScriptsDir, fmt.Sprintf("script%d%s", num, cfg.Extension))

	script := newScript()
	if !reset {
		loaded, err := loadScript(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return dispatch.Fail(dispatch.KindIO, "read script", err)
		}
		if loaded != nil {
			script = loaded
		}
	}

	final := script.setLine(lineNum, text)
	if err := iox.WriteFileAtomic(path, []byte(script.render()), 0o644); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write script", err)
	}
	m.Logger.Info("script line stored", map[string]any{"script": num, "line": lineNum, "final": final})

	result := filepath.Join(m.Dir, UploadResultFile)
	if !final && !script.complete {
		return writeResult(result, []byte{num, byte(lineNum)})
	}

	return u.execute(ctx, m, cfg, path, num, result)
}

func (u *Upload) execute(ctx context.Context, m *dispatch.MissionContext, cfg UploadConfig, path string, num byte, result string) error {
	res, err := u.Runner.Run(ctx, executor.Command{
		Path:    cfg.Interpreter,
		Args:    []string{path},
		Dir:     cfg.ScriptsDir,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		if wErr := writeResult(result, []byte{0, num, 0}); wErr != nil {
			m.Logger.Warn("upload result not written", map[string]any{"error": wErr.Error()})
		}
		if errors.Is(err, executor.ErrTimeout) {
			return dispatch.Fail(dispatch.KindTimeout, "execute script", err)
		}
		return dispatch.Fail(dispatch.KindInternal, "execute script", err)
	}

	if !res.Success() {
		line := failingLine(res.Stderr)
		m.Logger.Warn("script failed", map[string]any{"script": num, "exit_code": res.ExitCode, "line": line})
		return writeResult(result, []byte{0, num, line})
	}

	out := strings.TrimRight(string(res.Stdout), "\n")
	if len(out) > 255 {
		out = out[:255]
	}
	m.Logger.Info("script executed", map[string]any{"script": num, "output_bytes": len(out)})
	return writeResult(result, append([]byte{1, num, byte(len(out))}, out...))
}

func writeResult(path string, data []byte) error {
	if err := iox.WriteFileAtomic(path, data, 0o644); err != nil {
		return dispatch.Fail(dispatch.KindIO, "write upload result", err)
	}
	return nil
}

// failingLine extracts the body line of the last "line N" in a traceback.
// The header line is not counted.
func failingLine(stderr []byte) byte {
	matches := errorLine.FindAllSubmatch(stderr, -1)
	if len(matches) == 0 {
		return 0
	}
	n, err := strconv.Atoi(string(matches[len(matches)-1][1]))
	if err != nil {
		return 0
	}
	return byte(min(max(n-1, 0), 255))
}

// script is an uploaded program: the body of main plus completion state.
type script struct {
	body     []string
	complete bool
}

func newScript() *script {
	return &script{}
}

// loadScript parses a rendered script. A file that does not have the
// expected skeleton is discarded and a fresh script returned.
func loadScript(path string) (*script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitAfter(string(data), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	s := newScript()
	if n := len(lines); n > 0 && lines[n-1] == executeMarker {
		s.complete = true
		lines = lines[:n-1]
	}
	n := len(lines)
	if n < 1+len(scriptFooter) || lines[0] != scriptHeader {
		return newScript(), nil
	}
	for i, f := range scriptFooter {
		if lines[n-len(scriptFooter)+i] != f {
			return newScript(), nil
		}
	}
	s.body = append(s.body, lines[1:n-len(scriptFooter)]...)
	return s, nil
}

// setLine stores text as body line n (1-based), padding any gap with blank
// lines. It reports whether this was the final line.
func (s *script) setLine(n int, text string) bool {
	text = strings.TrimRight(strings.ReplaceAll(text, "\n", "\n\t"), "\t")
	line := "\t" + text
	final := !strings.Contains(line, "\n")
	if final {
		line += "\n"
		s.complete = true
	}

	for len(s.body) < n-1 {
		s.body = append(s.body, "\n")
	}
	if n-1 < len(s.body) {
		s.body[n-1] = line
	} else {
		s.body = append(s.body, line)
	}
	return final
}

func (s *script) render() string {
	var b strings.Builder
	b.WriteString(scriptHeader)
	for _, l := range s.body {
		b.WriteString(l)
	}
	for _, f := range scriptFooter {
		b.WriteString(f)
	}
	if s.complete {
		b.WriteString(executeMarker)
	}
	return b.String()
}
