package config

import (
	"fmt"
	"os"
	"strconv"
)

// Process environment contract between a queue worker and the task process it spawns.
const (
	EnvDatabaseEnvironment = "DATABASE_ENVIRONMENT"
	EnvEtlContextID        = "ETL_CONTEXT_ID"
	EnvHostID              = "HOST_ID"
)

// TaskEnv is what a spawned task process learns from its environment.
type TaskEnv struct {
	DatabaseEnvironment string
	EtlContextID        int64
	HostID              string
}

// LoadTaskEnv reads the task contract. Every field is required.
func LoadTaskEnv() (TaskEnv, error) {
	return ParseTaskEnv(os.Getenv)
}

// ParseTaskEnv reads the task contract through getenv.
func ParseTaskEnv(getenv func(string) string) (TaskEnv, error) {
	var env TaskEnv

	env.DatabaseEnvironment = getenv(EnvDatabaseEnvironment)
	if env.DatabaseEnvironment == "" {
		return env, fmt.Errorf("%s is not set", EnvDatabaseEnvironment)
	}

	raw := getenv(EnvEtlContextID)
	if raw == "" {
		return env, fmt.Errorf("%s is not set", EnvEtlContextID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return env, fmt.Errorf("%s must be a positive integer, got %q", EnvEtlContextID, raw)
	}
	env.EtlContextID = id

	env.HostID = getenv(EnvHostID)
	if env.HostID == "" {
		return env, fmt.Errorf("%s is not set", EnvHostID)
	}
	return env, nil
}

// Environ renders the contract as KEY=value pairs for exec.Cmd.Env.
func (e TaskEnv) Environ() []string {
	return []string{
		EnvDatabaseEnvironment + "=" + e.DatabaseEnvironment,
		EnvEtlContextID + "=" + strconv.FormatInt(e.EtlContextID, 10),
		EnvHostID + "=" + e.HostID,
	}
}
