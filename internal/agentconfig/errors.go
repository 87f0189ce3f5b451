package agentconfig

import "fmt"

// ConfigCorruptError reports a configuration file that exists but cannot be
// decoded. The file is left untouched.
type ConfigCorruptError struct {
	Path string
	Err  error
}

func (e *ConfigCorruptError) Error() string {
	return fmt.Sprintf("config %s is corrupt: %v", e.Path, e.Err)
}

func (e *ConfigCorruptError) Unwrap() error { return e.Err }

// ConfigWriteError reports a failure to persist the configuration.
type ConfigWriteError struct {
	Path string
	Err  error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("writing config %s: %v", e.Path, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// PromptNotFoundError is returned for operations on an unknown prompt name.
type PromptNotFoundError struct {
	Name string
}

func (e *PromptNotFoundError) Error() string {
	return fmt.Sprintf("prompt not found: %s", e.Name)
}

// DuplicatePromptError is returned when adding a prompt whose name is taken.
type DuplicatePromptError struct {
	Name string
}

func (e *DuplicatePromptError) Error() string {
	return fmt.Sprintf("prompt already exists: %s", e.Name)
}

// ValidationError is a single problem found by Validate.
type ValidationError struct {
	Section string // "tools", "prompts" or "settings"
	Name    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s", e.Section, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Section, e.Name, e.Message)
}
