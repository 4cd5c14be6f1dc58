package starscript

import (
	"bytes"
	"context"
	"encoding/json"
	"fetchkit/pkg/downloader"
	"fmt"

	"github.com/itchyny/gojq"
	"go.starlark.net/starlark"
)

const (
	keyContext    = "fetchkit.context"
	keyDownloader = "fetchkit.downloader"
	keyReporter   = "fetchkit.reporter"
)

func jsonBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"decode": NewStrictBuiltin(CommandDef{
			Name: "json.decode",
			Desc: "Decodes a JSON string into Starlark values.",
			Params: []ParamDef{
				{Name: "data", Type: "string", Desc: "The JSON string to decode"},
			},
		}, func(_ *starlark.Thread, kwargs map[string]starlark.Value) (starlark.Value, error) {
			var data any
			if err := json.Unmarshal([]byte(asString(kwargs["data"])), &data); err != nil {
				return nil, err
			}
			return toStarlark(data), nil
		}),
		"encode": NewStrictBuiltin(CommandDef{
			Name: "json.encode",
			Desc: "Encodes a Starlark value into a JSON string.",
			Params: []ParamDef{
				{Name: "value", Type: "any", Desc: "The value to encode"},
			},
		}, func(_ *starlark.Thread, kwargs map[string]starlark.Value) (starlark.Value, error) {
			data, err := fromStarlark(kwargs["value"])
			if err != nil {
				return nil, err
			}
			bArr, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			return starlark.String(string(bArr)), nil
		}),
	}
}

func jqBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"query": NewStrictBuiltin(CommandDef{
			Name: "jq.query",
			Desc: "Executes a JQ query on a value.",
			Params: []ParamDef{
				{Name: "query", Type: "string", Desc: "The JQ filter string"},
				{Name: "value", Type: "any", Desc: "The value to query"},
			},
		}, func(_ *starlark.Thread, kwargs map[string]starlark.Value) (starlark.Value, error) {
			data, err := fromStarlark(kwargs["value"])
			if err != nil {
				return nil, err
			}
			// gojq only understands JSON-shaped values
			data, err = normalizeJSON(data)
			if err != nil {
				return nil, err
			}

			q, err := gojq.Parse(asString(kwargs["query"]))
			if err != nil {
				return nil, err
			}

			iter := q.Run(data)
			var results []starlark.Value
			for {
				res, ok := iter.Next()
				if !ok {
					break
				}
				if err, ok := res.(error); ok {
					return nil, err
				}
				results = append(results, toStarlark(res))
			}

			if len(results) == 1 {
				return results[0], nil
			}
			return starlark.NewList(results), nil
		}),
	}
}

func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func httpBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"get": NewStrictBuiltin(CommandDef{
			Name: "http.get",
			Desc: "Fetches a URL and returns the body as a string.",
			Params: []ParamDef{
				{Name: "url", Type: "string", Desc: "The URL to fetch"},
			},
		}, func(thread *starlark.Thread, kwargs map[string]starlark.Value) (starlark.Value, error) {
			ctx, d, err := transferLocals(thread)
			if err != nil {
				return nil, err
			}
			var buf bytes.Buffer
			if err := d.Download(ctx, asString(kwargs["url"]), &buf, nil); err != nil {
				return nil, err
			}
			return starlark.String(buf.String()), nil
		}),
		"download": NewStrictBuiltin(CommandDef{
			Name: "http.download",
			Desc: "Streams a URL into a file, reporting progress for the current download.",
			Params: []ParamDef{
				{Name: "url", Type: "string", Desc: "The URL to download"},
				{Name: "path", Type: "string", Desc: "Destination file path"},
			},
		}, func(thread *starlark.Thread, kwargs map[string]starlark.Value) (starlark.Value, error) {
			ctx, d, err := transferLocals(thread)
			if err != nil {
				return nil, err
			}
			rep, _ := thread.Local(keyReporter).(downloader.Reporter)
			path := asString(kwargs["path"])
			if err := downloader.ToFile(ctx, d, asString(kwargs["url"]), path, rep); err != nil {
				return nil, err
			}
			return starlark.String(path), nil
		}),
	}
}

func transferLocals(thread *starlark.Thread) (context.Context, downloader.Downloader, error) {
	ctx, _ := thread.Local(keyContext).(context.Context)
	d, _ := thread.Local(keyDownloader).(downloader.Downloader)
	if ctx == nil || d == nil {
		return nil, nil, fmt.Errorf("http called without active downloader")
	}
	return ctx, d, nil
}
