// Package starscript runs download plugins written in Starlark inside the
// process. A script defines download(request) and returns a dict shaped like
// the JSON a subprocess plugin prints: {"status": ..., "path": ..., "error": ...}.
package starscript

import (
	"context"
	"encoding/json"
	"errors"
	"fetchkit/pkg/common"
	"fetchkit/pkg/downloader"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// EntryFunction is the global a script must define.
const EntryFunction = "download"

// Request is handed to the script as a struct.
type Request struct {
	Action     string
	URL        string
	FilePath   string
	DownloadID string
	Options    map[string]any
}

// Env supplies the host services scripts can reach through builtins.
type Env struct {
	Downloader downloader.Downloader
	Reporter   downloader.Reporter
}

// Output is what a run produced.
type Output struct {
	// Result is the returned value encoded as JSON, empty if it returned None.
	Result []byte
	// Printed holds every print() line, newline separated.
	Printed string
}

// Run loads the script at path and calls its download function.
func Run(ctx context.Context, path string, req Request, env Env) (*Output, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return RunSource(ctx, filepath.Base(path), src, req, env)
}

// RunSource is Run for an in-memory script.
func RunSource(ctx context.Context, name string, src []byte, req Request, env Env) (*Output, error) {
	var (
		mu      sync.Mutex
		printed strings.Builder
	)
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			mu.Lock()
			defer mu.Unlock()
			printed.WriteString(msg)
			printed.WriteByte('\n')
		},
	}
	thread.SetLocal(keyContext, ctx)
	if env.Downloader != nil {
		thread.SetLocal(keyDownloader, env.Downloader)
	}
	if env.Reporter != nil {
		thread.SetLocal(keyReporter, env.Reporter)
	}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("download cancelled")
	})
	defer stop()

	output := func() string {
		mu.Lock()
		defer mu.Unlock()
		return printed.String()
	}

	globals, err := starlark.ExecFile(thread, name, src, predeclared())
	if err != nil {
		return &Output{Printed: output()}, scriptError(ctx, name, err)
	}

	fn, ok := globals[EntryFunction]
	if !ok {
		return &Output{Printed: output()}, fmt.Errorf("%s function not found in script %s", EntryFunction, name)
	}
	if _, ok := fn.(starlark.Callable); !ok {
		return &Output{Printed: output()}, fmt.Errorf("%s in script %s is not callable", EntryFunction, name)
	}

	res, err := starlark.Call(thread, fn, starlark.Tuple{requestValue(req)}, nil)
	if err != nil {
		return &Output{Printed: output()}, scriptError(ctx, name, err)
	}

	out := &Output{Printed: output()}
	if res == starlark.None {
		return out, nil
	}
	goVal, err := fromStarlark(res)
	if err != nil {
		return out, fmt.Errorf("invalid %s result in %s: %w", EntryFunction, name, err)
	}
	if out.Result, err = json.Marshal(goVal); err != nil {
		return out, fmt.Errorf("invalid %s result in %s: %w", EntryFunction, name, err)
	}
	return out, nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starlarkstruct.FromStringDict(starlark.String("json"), jsonBuiltins()),
		"html":   starlarkstruct.FromStringDict(starlark.String("html"), htmlBuiltins()),
		"jq":     starlarkstruct.FromStringDict(starlark.String("jq"), jqBuiltins()),
		"http":   starlarkstruct.FromStringDict(starlark.String("http"), httpBuiltins()),
	}
}

func requestValue(req Request) starlark.Value {
	action := req.Action
	if action == "" {
		action = "download"
	}
	opts := req.Options
	if opts == nil {
		opts = map[string]any{}
	}
	return starlarkstruct.FromStringDict(starlark.String("request"), starlark.StringDict{
		"action":      starlark.String(action),
		"url":         starlark.String(req.URL),
		"file_path":   starlark.String(req.FilePath),
		"download_id": starlark.String(req.DownloadID),
		"options":     toStarlark(opts),
	})
}

func scriptError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: script %s stopped", common.ErrCancelled, name)
	}
	if errors.Is(err, common.ErrCancelled) {
		return err
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("script error in %s:\n%s", name, evalErr.Backtrace())
	}
	return fmt.Errorf("script error in %s: %w", name, err)
}
