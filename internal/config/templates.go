package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Template renders Default as config.toml.
func Template() (string, error) {
	data, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return templateHeader + string(data), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(c Config) fileConfig {
	mask := make([]string, 0, len(c.Mask.Types()))
	for _, t := range c.Mask.Types() {
		mask = append(mask, t.String())
	}
	return fileConfig{
		Name:           c.Name,
		Target:         c.Target.String(),
		Mask:           mask,
		ListenTimeout:  c.ListenTimeout.String(),
		SendTimeout:    c.SendTimeout.String(),
		MaxMessageSize: c.MaxMessageSize,
		LargeMessages:  c.LargeMessages,
		Reply:          c.Reply,
		StopAfter:      c.StopAfter,
		AdminAddr:      c.AdminAddr,
		CorsOrigins:    c.CorsOrigins,
		JournalLimit:   c.JournalLimit,
	}
}

const templateHeader = `# excwatch config
# target: self | thread | pid:<n>
# mask: bad-access, bad-instruction, arithmetic, emulation, software,
#       breakpoint, syscall, mach-syscall, rpc-alert, crash, resource,
#       guard, corpse-notify
# reply: success resumes the faulting thread, failure passes it on

`
