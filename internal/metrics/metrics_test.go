package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.numLaunching, "numLaunching gauge should be initialized")
	assert.NotNil(t, collector.numAlive, "numAlive gauge should be initialized")
	assert.NotNil(t, collector.transitions, "transitions counter vec should be initialized")
	assert.NotNil(t, collector.migrationDuration, "migrationDuration histogram should be initialized")
	assert.NotNil(t, collector.backupDuration, "backupDuration histogram should be initialized")
}

func TestUpdateScheduleStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.UpdateScheduleStats(3, 7)
	}, "UpdateScheduleStats should not panic")
}

func TestRecordTransition(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTransition("STARTING")
		collector.RecordTransition("SUCCEEDED")
	}, "RecordTransition should not panic")
}

func TestRecordDurations(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordMigrationDuration(0.042)
		collector.RecordBackupDuration(1.2)
	}, "Record*Duration should not panic")
}
