package database

import (
	"context"
	"fmt"
)

var (
	postgresPersonWriter    func() PersonWriter
	postgresStreamStore     func() StreamStore
	postgresDetectionWriter func() DetectionWriter
	postgresDetectionReader func() DetectionReader
	postgresInitialized     bool
)

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(
	persons func() PersonWriter,
	streams func() StreamStore,
	detections func() DetectionWriter,
	detectionReader func() DetectionReader,
) {
	postgresPersonWriter = persons
	postgresStreamStore = streams
	postgresDetectionWriter = detections
	postgresDetectionReader = detectionReader
	postgresInitialized = true
}

// ResetBackend forgets the registered backend.
func ResetBackend() {
	postgresPersonWriter = nil
	postgresStreamStore = nil
	postgresDetectionWriter = nil
	postgresDetectionReader = nil
	postgresInitialized = false
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	return postgresInitialized
}

// GetPersonWriter returns a PersonWriter from the PostgreSQL backend
func GetPersonWriter(ctx context.Context) (PersonWriter, error) {
	if !postgresInitialized {
		return nil, ErrNotConfigured
	}
	if postgresPersonWriter == nil {
		return nil, fmt.Errorf("PostgreSQL person writer not registered")
	}
	return postgresPersonWriter(), nil
}

// GetStreamStore returns a StreamStore from the PostgreSQL backend
func GetStreamStore(ctx context.Context) (StreamStore, error) {
	if !postgresInitialized {
		return nil, ErrNotConfigured
	}
	if postgresStreamStore == nil {
		return nil, fmt.Errorf("PostgreSQL stream store not registered")
	}
	return postgresStreamStore(), nil
}

// GetDetectionWriter returns a DetectionWriter from the PostgreSQL backend
func GetDetectionWriter(ctx context.Context) (DetectionWriter, error) {
	if !postgresInitialized {
		return nil, ErrNotConfigured
	}
	if postgresDetectionWriter == nil {
		return nil, fmt.Errorf("PostgreSQL detection writer not registered")
	}
	return postgresDetectionWriter(), nil
}

// GetDetectionReader returns a DetectionReader from the PostgreSQL backend
func GetDetectionReader(ctx context.Context) (DetectionReader, error) {
	if !postgresInitialized {
		return nil, ErrNotConfigured
	}
	if postgresDetectionReader == nil {
		return nil, fmt.Errorf("PostgreSQL detection reader not registered")
	}
	return postgresDetectionReader(), nil
}
