package executor

import "encoding/json"

// maxSnapshotBytes caps serialized fact snapshots stored on step execution
// rows. Oversized values are replaced with a marker so rows stay bounded.
const maxSnapshotBytes = 10 * 1024

func snapshotValue(value any) any {
	if value == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return map[string]any{"_unserializable": true}
	}

	if len(data) <= maxSnapshotBytes {
		return value
	}

	return map[string]any{
		"_truncated":     true,
		"_original_size": len(data),
	}
}
