// Package logging assembles the structured slog loggers used across
// vidharvest components.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so stage code automatically tags log
// lines with job IDs, stages, and correlation IDs. Prefer these constructors
// over hand-rolled slog setup so every component emits the same shape.
package logging
