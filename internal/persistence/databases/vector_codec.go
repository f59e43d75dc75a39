package databases

import (
	"encoding/json"
)

// encodeVectorJSON and decodeVectorJSON provide the (chunk_id, model_spec) ->
// vector_json encoding named in the persisted-state layout for data/kb.sqlite
// and mirrored by the Postgres embeddings table.
func encodeVectorJSON(v []float32) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeVectorJSON(s string) []float32 {
	var v []float32
	_ = json.Unmarshal([]byte(s), &v)
	return v
}
