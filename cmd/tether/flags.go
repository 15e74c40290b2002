package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Profile    string
	// Remote serve connection
	APIUrl     string
	APITimeout time.Duration
	APIToken   string
	APICA      string
}

type StatusFlags struct {
	All bool
}

type ChatFlags struct {
	URL       string
	SessionID  string
	NewSession bool
	JSON       bool
	Timeout    time.Duration
}

type ServeFlags struct {
	Listen      string
	AutoStart   bool
	KeepRunning bool
	Daemonize   bool
	PidFile     string
	LogFile     string
}

type DevBackendFlags struct {
	Addr       string
	FrameDelay time.Duration
	ReadyAfter time.Duration
}

type HashPasswordFlags struct {
	Cost int
}

type InitFlags struct {
	Template string
	Name     string
	Output   string
	Force    bool
}
