package models

import (
	"runtime/debug"

	"routeopt.transitworks.org/internal/aco"
)

type EvaluationModel struct {
	WalkRadiusM     float64 `json:"walkRadiusM"`
	TransferRadiusM float64 `json:"transferRadiusM"`
	Period          string  `json:"period"`
}

// ConfigModel describes the running service to clients.
type ConfigModel struct {
	Id                 string          `json:"id"`
	Name               string          `json:"name"`
	City               string          `json:"city"`
	Version            string          `json:"version"`
	ACOParams          aco.Params      `json:"acoParams"`
	Evaluation         EvaluationModel `json:"evaluation"`
	StreamIdleTimeoutS float64         `json:"streamIdleTimeoutSeconds"`
}

// BuildVersion is the main module version recorded by the Go toolchain.
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}
