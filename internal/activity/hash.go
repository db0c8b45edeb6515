package activity

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/pkg/schema"
)

// HashActivity implements the "hash" node type: digest or HMAC of a string,
// with optional constant-time verification against an expected value. The
// verification path is what webhook signature checks use.
type HashActivity struct{}

// NewHashActivity creates the hash activity.
func NewHashActivity() *HashActivity { return &HashActivity{} }

func (a *HashActivity) Name() string { return "hash" }

func (a *HashActivity) Descriptor() Descriptor {
	return Descriptor{
		Description: "Compute a hash or HMAC of input data, optionally verifying it against an expected signature.",
		ConfigSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha512","sha384","sha1"], "default": "sha256"},
    "key": {"type": "string"},
    "expect": {"type": "string"},
    "output_key": {"type": "string"}
  },
  "required": ["data"]
}`),
	}
}

// hashFunc returns a hash constructor for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "hash: unsupported algorithm %q", algorithm)
	}
}

func (a *HashActivity) Validate(config map[string]any) error {
	if _, ok := config["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "hash: missing required param 'data'")
	}
	if alg := stringParam(config, "algorithm", "sha256"); !strings.Contains(alg, "${") {
		if _, err := hashFunc(alg); err != nil {
			return err
		}
	}
	return nil
}

func (a *HashActivity) Execute(_ context.Context, in Input) (*Result, error) {
	data, ok := in.Config["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "hash: missing required param 'data'")
	}
	algorithm := stringParam(in.Config, "algorithm", "sha256")
	key := stringParam(in.Config, "key", "")
	expect := stringParam(in.Config, "expect", "")

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	var sum string
	if key != "" {
		mac := hmac.New(newHash, []byte(key))
		mac.Write([]byte(data))
		sum = hex.EncodeToString(mac.Sum(nil))
	} else {
		h := newHash()
		h.Write([]byte(data))
		sum = hex.EncodeToString(h.Sum(nil))
	}

	result := map[string]any{
		"digest":    sum,
		"algorithm": algorithm,
	}
	if expect != "" {
		verified := hmac.Equal([]byte(sum), []byte(strings.ToLower(expect)))
		result["verified"] = verified
		if !verified {
			// A bad signature stays bad; retrying cannot help.
			return nil, schema.NewError(schema.ErrCodeValidation, "hash: signature verification failed").
				WithDetails(map[string]any{"algorithm": algorithm})
		}
	}

	out, err := Output(in, result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "hash: marshal output: %v", err)
	}
	return &Result{Output: out}, nil
}
