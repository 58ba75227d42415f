package obs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/thejerf/suture/v4"
)

func TestSupervisorHookLogsPanicsAtError(t *testing.T) {
	var buf bytes.Buffer
	InitLogger(LogConfig{Output: &buf})
	defer InitLogger(LogConfig{})

	SupervisorHook()(suture.EventServicePanic{
		SupervisorName: "yardlink",
		ServiceName:    "dispatcher",
		PanicMsg:       "boom",
	})

	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"component":"supervisor"`) || !strings.Contains(out, "dispatcher") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
