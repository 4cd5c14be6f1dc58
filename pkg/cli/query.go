package cli

import (
	"context"
	"encoding/json"
	"fetchkit/pkg/common"
	"fmt"

	"github.com/itchyny/gojq"
)

// queryRecords runs a jq expression over the records as a JSON array and
// returns every value it yields.
func queryRecords(ctx context.Context, expr string, recs []*common.DownloadRecord) ([]any, error) {
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	if recs == nil {
		recs = []*common.DownloadRecord{}
	}
	// gojq only understands JSON-shaped values
	raw, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, err
	}

	var out []any
	iter := q.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
