package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"  //nolint:gosec // checksums only
	"crypto/sha1" //nolint:gosec // checksums only
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/agentscript/pkg/schema"
)

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm %q", algorithm)
}

func requireString(tool string, names ...string) func(Input) error {
	return func(in Input) error {
		for _, n := range names {
			if _, ok := in.Parameters[n].(string); !ok {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' string parameter", tool, n)
			}
		}
		if alg, ok := in.Parameters["algorithm"].(string); ok {
			if _, err := hashFunc(alg); err != nil {
				return err
			}
		}
		return nil
	}
}

func algorithmOf(in Input) string {
	if alg, _ := in.Parameters["algorithm"].(string); alg != "" {
		return alg
	}
	return "sha256"
}

func hashTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "crypto.hash",
			Description: "Hex digest of 'data' (sha256, sha384, sha512, sha1 or md5)",
			Parameters: []ParameterDef{
				{Name: "data", Type: "string", Required: true},
				{Name: "algorithm", Type: "string", Default: "sha256"},
			},
			Returns: "object",
		},
		Cat:      "crypto",
		Validate: requireString("crypto.hash", "data"),
		Run: func(_ context.Context, in Input, _ ExecutionContext) (*Output, error) {
			alg := algorithmOf(in)
			newHash, err := hashFunc(alg)
			if err != nil {
				return nil, err
			}
			h := newHash()
			data, _ := in.Parameters["data"].(string)
			h.Write([]byte(data))
			return &Output{Result: map[string]any{"hash": hex.EncodeToString(h.Sum(nil)), "algorithm": alg}}, nil
		},
	}
}

func hmacTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "crypto.hmac",
			Description: "Hex HMAC of 'data' keyed by 'key'",
			Parameters: []ParameterDef{
				{Name: "data", Type: "string", Required: true},
				{Name: "key", Type: "string", Required: true},
				{Name: "algorithm", Type: "string", Default: "sha256"},
			},
			Returns: "object",
		},
		Cat:      "crypto",
		Validate: requireString("crypto.hmac", "data", "key"),
		Run: func(_ context.Context, in Input, _ ExecutionContext) (*Output, error) {
			alg := algorithmOf(in)
			newHash, err := hashFunc(alg)
			if err != nil {
				return nil, err
			}
			key, _ := in.Parameters["key"].(string)
			data, _ := in.Parameters["data"].(string)
			mac := hmac.New(newHash, []byte(key))
			mac.Write([]byte(data))
			return &Output{Result: map[string]any{"hmac": hex.EncodeToString(mac.Sum(nil)), "algorithm": alg}}, nil
		},
	}
}

func uuidTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{Name: "uuid", Description: "Generate a random v4 UUID", Returns: "string"},
		Cat:  "crypto",
		Run: func(context.Context, Input, ExecutionContext) (*Output, error) {
			return &Output{Result: uuid.NewString()}, nil
		},
	}
}
