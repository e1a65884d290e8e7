package interp

import (
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"sort"
)

// HashArgs returns a stable cache key for args: a hex-encoded hash of its
// keys (sorted) and raw JSON values. An empty argument set hashes to the
// sentinel "empty_args" rather than a hash of nothing, so a job with no
// arguments and a job whose args happened to hash to zero never collide by
// accident.
func HashArgs(args map[string]json.RawMessage) string {
	if len(args) == 0 {
		return "empty_args"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write(args[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
