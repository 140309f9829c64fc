package config

import (
	"github.com/danmuck/excport/internal/journal"
	"github.com/danmuck/excport/internal/mach"
	"github.com/danmuck/excport/internal/trap"
)

// ReplyCode maps the reply setting to the code sent back to the kernel.
func (c Config) ReplyCode() mach.KernReturn {
	if c.Reply == ReplyFailure {
		return mach.KernFailure
	}
	return mach.KernSuccess
}

// Trap builds the listener configuration. j may be nil.
func (c Config) Trap(j *journal.Journal) trap.Config {
	tc := trap.DefaultConfig()
	tc.Name = c.Name
	tc.Mask = c.Mask
	tc.Timeout = c.ListenTimeout
	tc.ReplyCode = c.ReplyCode()
	tc.Server.MaxSize = c.MaxMessageSize
	tc.Server.SendTimeout = c.SendTimeout
	tc.Server.Large = c.LargeMessages
	tc.Journal = j
	return tc
}
