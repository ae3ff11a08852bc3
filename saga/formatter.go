package saga

import (
	"fmt"
	"strings"
	"time"
)

// PlainFormatter renders one line per event in the order given:
//
//	10:00:03 deployer/teardown !! delete record failed: ... [STILL_REFERENCED]
type PlainFormatter struct{}

func (PlainFormatter) Format(events []Event) string {
	var b strings.Builder
	for _, evt := range events {
		fmt.Fprintf(&b, "%s %s/%s %s %s",
			evt.Timestamp.UTC().Format(time.TimeOnly), evt.Source, evt.Category, marker(evt.Action), evt.Message)
		if ms := evt.Metadata["durationMs"]; ms != "" {
			fmt.Fprintf(&b, " (%sms)", ms)
		}
		if code := evt.Metadata["code"]; code != "" && evt.Action == ActionStepFailed {
			fmt.Fprintf(&b, " [%s]", code)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func marker(action string) string {
	switch action {
	case ActionStepStart:
		return ".."
	case ActionStepComplete:
		return "ok"
	case ActionStepFailed:
		return "!!"
	default:
		return "--"
	}
}
