package engine

import (
	"dario.cat/mergo"
	json "github.com/goccy/go-json"

	"github.com/rendis/relay/pkg/schema"
)

// MergeState folds a node's output document into the accumulated
// execution state. Scalar and object keys from the output override the
// base; nested objects merge recursively; slices append. Either side may
// be nil or empty, in which case the other side is returned unchanged.
//
// The fold is deterministic: replaying the same outputs in the same
// order always yields the same state document.
func MergeState(base, output []byte) ([]byte, error) {
	if len(output) == 0 {
		return base, nil
	}
	if len(base) == 0 {
		return output, nil
	}

	var dst map[string]any
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "accumulated state is not a JSON object").WithCause(err)
	}
	var src map[string]any
	if err := json.Unmarshal(output, &src); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "node output is not a JSON object").WithCause(err)
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "merging node output into state").WithCause(err)
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encoding merged state").WithCause(err)
	}
	return merged, nil
}
