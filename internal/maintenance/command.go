package maintenance

import (
	"maps"
	"time"
)

// Command is an operator request to enable or disable maintenance.
// Commands are queued and applied at the next controller pass.
type Command struct {
	Enable       bool              `json:"enable"`
	Reason       string            `json:"reason,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	SubmittedAt  time.Time         `json:"submittedAt"`
}

// EnableCommand requests operator maintenance.
func EnableCommand(reason string, customFields map[string]string) Command {
	return Command{
		Enable:       true,
		Reason:       reason,
		CustomFields: maps.Clone(customFields),
		SubmittedAt:  time.Now(),
	}
}

// DisableCommand requests leaving maintenance.
func DisableCommand(reason string) Command {
	return Command{
		Reason:      reason,
		SubmittedAt: time.Now(),
	}
}

// Signal returns the signal an enable command writes. Disable commands have none.
func (c Command) Signal() *Signal {
	if !c.Enable {
		return nil
	}
	return NewUserSignal(c.Reason, c.CustomFields)
}

// Same reports whether c and o are the same submitted command.
func (c Command) Same(o Command) bool {
	return c.Enable == o.Enable &&
		c.Reason == o.Reason &&
		c.SubmittedAt.Equal(o.SubmittedAt) &&
		maps.Equal(c.CustomFields, o.CustomFields)
}

// ContainsCommand reports whether cmds holds the same submitted command as cmd.
func ContainsCommand(cmds []Command, cmd Command) bool {
	for _, c := range cmds {
		if c.Same(cmd) {
			return true
		}
	}
	return false
}
