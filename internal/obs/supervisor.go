package obs

import "github.com/thejerf/suture/v4"

// SupervisorHook logs suture events through the shared logger.
func SupervisorHook() suture.EventHook {
	return func(ev suture.Event) {
		logger := WithComponent("supervisor")
		entry := logger.Info()
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			entry = logger.Error()
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			entry = logger.Warn()
		}
		entry.Fields(ev.Map()).Msg(ev.String())
	}
}
