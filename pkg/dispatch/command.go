package dispatch

import (
	"context"
	"fetchkit/pkg/plugin"
	"fmt"
	"os/exec"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

const (
	placeholderURL    = "{{download_url}}"
	placeholderOutput = "{{output}}"
)

// commandArgs tokenizes the entry point and then substitutes placeholders
// inside each token, so a URL containing quotes or spaces stays one argument.
func commandArgs(m *plugin.Manifest, url, output string) ([]string, error) {
	tokens, err := m.Tokens()
	if err != nil {
		return nil, err
	}
	r := strings.NewReplacer(placeholderURL, url, placeholderOutput, output)
	args := make([]string, len(tokens))
	for i, tok := range tokens {
		args[i] = r.Replace(tok)
	}
	return args, nil
}

func (d *Dispatcher) executeCommand(ctx context.Context, m *plugin.Manifest, req Request) (string, error) {
	argv, err := commandArgs(m, req.URL, req.TargetPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	program := argv[0]
	if m.BinaryPath != "" {
		program = m.BinaryPath
	} else if path, err := d.lookPath(program); err == nil {
		program = path
	}

	cmd := exec.Command(program, argv[1:]...)
	if m.Dir != "" {
		cmd.Dir = m.Dir
	}
	res, err := d.runProcess(ctx, cmd, nil, req.Progress)
	if err != nil {
		return "", err
	}
	if res.err != nil {
		return "", fmt.Errorf("%w: plugin %s: %v", ErrDownloadFailed, m.ID, res.err)
	}
	if res.exitCode != 0 {
		return "", fmt.Errorf("%w: plugin %s exited with status %d%s", ErrDownloadFailed, m.ID, res.exitCode, detail(ansi.Strip(res.stderr)))
	}
	if !fileExists(req.TargetPath) {
		return "", fmt.Errorf("%w: plugin %s exited cleanly but %s does not exist", ErrDownloadFailed, m.ID, req.TargetPath)
	}
	return req.TargetPath, nil
}
