package store

// DeepMerge merges src into dst and returns dst. Nested objects merge
// recursively; any other value, including arrays and null, overwrites.
// A nil dst is allocated.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		incoming, isMap := v.(map[string]interface{})
		if !isMap {
			dst[k] = v
			continue
		}
		existing, ok := dst[k].(map[string]interface{})
		if !ok {
			existing = nil
		}
		dst[k] = DeepMerge(existing, incoming)
	}
	return dst
}
