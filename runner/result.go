package runner

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ResultPrefix marks the structured result line a tool prints on success:
//
//	keel-result: {"image_id": "..."}
const ResultPrefix = "keel-result:"

const legacyImageKey = "created_image_id="

type BuildResult struct {
	ImageID string `json:"image_id"`
}

// ParseResult extracts the built image id from tool output. A structured
// result line takes precedence; tools that only print
// created_image_id=<id> are still understood. The last matching line of
// each kind wins. An empty id means no image was produced.
func ParseResult(output []byte) string {
	var structured, legacy string
	var sawStructured bool

	// \r ends a line too, progress bars redraw with it
	lines := bytes.FieldsFunc(output, func(r rune) bool { return r == '\n' || r == '\r' })
	for _, raw := range lines {
		line := strings.TrimSpace(string(raw))
		switch {
		case strings.HasPrefix(line, ResultPrefix):
			var br BuildResult
			if err := json.Unmarshal([]byte(strings.TrimSpace(line[len(ResultPrefix):])), &br); err != nil {
				continue
			}
			structured = strings.TrimSpace(br.ImageID)
			sawStructured = true
		case strings.HasPrefix(line, legacyImageKey):
			legacy = strings.TrimSpace(line[len(legacyImageKey):])
		}
	}
	if sawStructured {
		return structured
	}
	return legacy
}
