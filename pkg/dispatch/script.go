package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fetchkit/pkg/plugin"
	"fetchkit/pkg/starscript"
	"fetchkit/pkg/target"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// interpreters maps a manifest "language" to the runtimes tried in order.
// "exec" runs the script itself.
var interpreters = map[string][]string{
	"python": {"python3", "python"},
	"bash":   {"bash"},
	"sh":     {"sh"},
	"shell":  {"sh"},
	"node":   {"node"},
	"exec":   nil,
}

// extensionLanguages is consulted only when the manifest names no language.
var extensionLanguages = map[string]string{
	".py": "python",
	".sh": "sh",
	".js": "node",
}

const starlarkLanguage = "starlark"

// scriptInput is written to the plugin's stdin.
type scriptInput struct {
	Action     string         `json:"action"`
	URL        string         `json:"url"`
	FilePath   string         `json:"file_path"`
	DownloadID string         `json:"download_id"`
	Options    map[string]any `json:"options"`
}

// scriptResponse is the JSON a plugin prints on stdout.
type scriptResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

func (d *Dispatcher) executeScript(ctx context.Context, m *plugin.Manifest, req Request) (string, error) {
	tokens, err := m.Tokens()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	if isStarlark(m) {
		return d.executeStarlark(ctx, m, req)
	}

	argv, err := d.scriptCommand(m, tokens)
	if err != nil {
		return "", err
	}

	opts := req.Options
	if opts == nil {
		opts = map[string]any{}
	}
	stdin, err := json.Marshal(scriptInput{
		Action:     "download",
		URL:        req.URL,
		FilePath:   req.TargetPath,
		DownloadID: req.DownloadID,
		Options:    opts,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode plugin input: %v", ErrDownloadFailed, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if m.Dir != "" {
		cmd.Dir = m.Dir
	}
	res, err := d.runProcess(ctx, cmd, stdin, req.Progress)
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", fmt.Errorf("%w: plugin %s: %v", ErrDownloadFailed, m.ID, res.err)
	}

	stdout := ansi.Strip(res.stdout)
	stderr := ansi.Strip(res.stderr)
	return verdict(m, req, stdout, stdout+"\n"+stderr, res.exitCode)
}

func isStarlark(m *plugin.Manifest) bool {
	if m.Language == starlarkLanguage {
		return true
	}
	return m.Language == "" && !m.ExternalBinary && strings.EqualFold(filepath.Ext(m.ScriptPath), ".star")
}

// scriptCommand builds argv for a script plugin: the resolved binary for
// external-binary plugins, otherwise interpreter + script + extra tokens.
func (d *Dispatcher) scriptCommand(m *plugin.Manifest, tokens []string) ([]string, error) {
	if m.ExternalBinary {
		if m.BinaryPath == "" {
			return nil, fmt.Errorf("%w: plugin %s binary %s was not resolved", ErrDownloadFailed, m.ID, tokens[0])
		}
		return append([]string{m.BinaryPath}, tokens[1:]...), nil
	}

	script := m.ScriptPath
	if script == "" {
		script = tokens[0]
	}

	lang := m.Language
	if lang == "" {
		lang = extensionLanguages[strings.ToLower(filepath.Ext(script))]
	}
	if lang == "" {
		return nil, &InterpreterError{PluginID: m.ID, Script: script}
	}
	candidates, ok := interpreters[lang]
	if !ok {
		return nil, &InterpreterError{PluginID: m.ID, Script: script, Language: lang}
	}
	if len(candidates) == 0 {
		return append([]string{script}, tokens[1:]...), nil
	}

	for _, name := range candidates {
		path, err := d.lookPath(name)
		if err == nil {
			return append([]string{path, script}, tokens[1:]...), nil
		}
	}
	return nil, fmt.Errorf("%w: plugin %s needs %s, which was not found in PATH", ErrDownloadFailed, m.ID, strings.Join(candidates, " or "))
}

func (d *Dispatcher) executeStarlark(ctx context.Context, m *plugin.Manifest, req Request) (string, error) {
	out, err := starscript.Run(ctx, m.ScriptPath, starscript.Request{
		Action:     "download",
		URL:        req.URL,
		FilePath:   req.TargetPath,
		DownloadID: req.DownloadID,
		Options:    req.Options,
	}, starscript.Env{
		Downloader: d.downloader,
		Reporter:   req.Progress,
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return "", err
		}
		// a script that raised after producing the file still succeeded
		if fileExists(req.TargetPath) {
			return req.TargetPath, nil
		}
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return verdict(m, req, string(out.Result), out.Printed, 0)
}

// verdict decides the outcome of a script run. The target file on disk wins,
// then the manifest's success marker, then the JSON response on stdout.
func verdict(m *plugin.Manifest, req Request, stdout, combined string, exitCode int) (string, error) {
	if fileExists(req.TargetPath) {
		return req.TargetPath, nil
	}

	if m.SuccessMarker != "" && strings.Contains(combined, m.SuccessMarker) {
		expected := filepath.Join(filepath.Dir(req.TargetPath), target.DeriveFilename("", req.URL))
		if fileExists(expected) {
			return expected, nil
		}
		return "", fmt.Errorf("%w: plugin %s reported success but %s does not exist", ErrDownloadFailed, m.ID, expected)
	}

	resp, err := parseResponse(stdout)
	if err != nil {
		if exitCode != 0 {
			return "", fmt.Errorf("%w: plugin %s exited with status %d: %v%s", ErrDownloadFailed, m.ID, exitCode, err, detail(combined))
		}
		return "", fmt.Errorf("%w: plugin %s: %v", ErrDownloadFailed, m.ID, err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%w: plugin %s: %s", ErrDownloadFailed, m.ID, resp.Error)
	}
	if !strings.EqualFold(resp.Status, "success") {
		return "", fmt.Errorf("%w: plugin %s returned status %q", ErrDownloadFailed, m.ID, resp.Status)
	}
	if resp.Path == "" {
		return "", fmt.Errorf("%w: plugin %s returned success without a path", ErrDownloadFailed, m.ID)
	}
	if !fileExists(resp.Path) {
		return "", fmt.Errorf("%w: plugin %s returned %s, which does not exist", ErrDownloadFailed, m.ID, resp.Path)
	}
	return resp.Path, nil
}

// parseResponse reads the whole of stdout as JSON, falling back to the last
// line that looks like an object so that chatty plugins still work.
func parseResponse(stdout string) (*scriptResponse, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, errors.New("empty plugin output")
	}

	var resp scriptResponse
	err := json.Unmarshal([]byte(trimmed), &resp)
	if err == nil {
		return &resp, nil
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var last scriptResponse
		if json.Unmarshal([]byte(line), &last) == nil {
			return &last, nil
		}
		break
	}
	return nil, fmt.Errorf("invalid plugin output: %v", err)
}

func detail(output string) string {
	tail := tailString(output, 2048)
	if tail == "" {
		return ""
	}
	return ": " + tail
}
