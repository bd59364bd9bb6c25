package transport

import (
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// checkHealth runs once per HealthInterval. A full interval without any
// inbound message means the link is dead, unless the remote side or a
// local caller asked to tolerate that with the ignore hint.
func (t *Transport) checkHealth() {
	if t.closed {
		return
	}

	if !t.gotMessage {
		if t.ignoreHealth {
			util.LogInfo("health check failure ignored")
		} else {
			util.LogWarning("health check failed")
			t.Close(protocol.Control{protocol.FieldProblem: protocol.ProblemTimeout})
			return
		}
	}
	t.gotMessage = false

	if t.ready {
		t.SendControl(protocol.NewControl(protocol.CommandPing, nil))
	}
}
