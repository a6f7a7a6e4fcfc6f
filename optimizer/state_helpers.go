package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-finetune/checkpoints"
)

// slotStore holds one buffer per (slot, parameter key), e.g. ("m", "fc.weight")
type slotStore struct {
	names []string
	data  map[string]map[string][]float32
}

func newSlotStore(names ...string) *slotStore {
	s := &slotStore{names: names, data: make(map[string]map[string][]float32)}
	for _, n := range names {
		s.data[n] = make(map[string][]float32)
	}
	return s
}

// get returns the slot buffer for key, allocating n zeros (or fill) on first use
func (s *slotStore) get(slot, key string, n int, fill float32) []float32 {
	buf, ok := s.data[slot][key]
	if !ok || len(buf) != n {
		buf = make([]float32, n)
		if fill != 0 {
			for i := range buf {
				buf[i] = fill
			}
		}
		s.data[slot][key] = buf
	}
	return buf
}

// export copies every buffer out, named "<slot>/<param key>"
func (s *slotStore) export() []checkpoints.OptimizerTensor {
	var out []checkpoints.OptimizerTensor
	for _, slot := range s.names {
		keys := make([]string, 0, len(s.data[slot]))
		for k := range s.data[slot] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf := s.data[slot][k]
			data := make([]float32, len(buf))
			copy(data, buf)
			out = append(out, checkpoints.OptimizerTensor{
				Name:      slot + "/" + k,
				Shape:     []int{len(data)},
				Data:      data,
				StateType: slot,
			})
		}
	}
	return out
}

func (s *slotStore) restore(tensors []checkpoints.OptimizerTensor) error {
	fresh := make(map[string]map[string][]float32, len(s.names))
	for _, n := range s.names {
		fresh[n] = make(map[string][]float32)
	}
	for _, t := range tensors {
		slot, key, ok := strings.Cut(t.Name, "/")
		if !ok {
			return fmt.Errorf("malformed optimizer state tensor name %q", t.Name)
		}
		bucket, known := fresh[slot]
		if !known {
			return fmt.Errorf("unexpected optimizer state %q", slot)
		}
		bucket[key] = append([]float32(nil), t.Data...)
	}
	s.data = fresh
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// JSON round trips turn every number into float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	case int:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return defaultValue
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
