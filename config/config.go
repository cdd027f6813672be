// Package config provides environment-driven settings for the bot process
// (log level, debug mode, data folders) and loads the bot configuration file.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed version
var version string

//go:embed name
var name string

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

func GetVersion() string {
	return strings.TrimSpace(version)
}

func GetName() string {
	return strings.TrimSpace(name)
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("VPNBOT_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("VPNBOT_DEBUG") == "true"
}

func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("VPNBOT_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "/etc/vpnbot"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/%s.db", GetDBFolderPath(), GetName())
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("VPNBOT_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}

// GetConfigPath returns the bot configuration file path. A .json or .toml
// extension selects the decoder.
func GetConfigPath() string {
	configPath := os.Getenv("VPNBOT_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}
	return configPath
}
