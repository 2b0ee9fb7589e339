package cache

import "encoding/json"

func marshalEntry[V any](e Entry[V]) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry[V any](raw []byte, out *Entry[V]) error {
	return json.Unmarshal(raw, out)
}
