package main

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// StartFlags configure start and serve.
type StartFlags struct {
	ProjectID string
	Debug     bool
}

type DeployFlags struct {
	TriggerHTTP bool
}

type CallFlags struct {
	Data string
}

type LogsFlags struct {
	Limit int
}
