package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusValid(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusPending, true},
		{TaskStatusInProgress, true},
		{TaskStatusBlocked, true},
		{TaskStatusDone, true},
		{TaskStatusFailed, true},
		{TaskStatus("unknown"), false},
		{TaskStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Valid())
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskStatusDone.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.False(t, TaskStatusBlocked.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityMedium.Rank(), Priority("bogus").Rank())
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority(" HIGH "))
	assert.Equal(t, PriorityMedium, ParsePriority("urgent"))
	assert.Equal(t, PriorityMedium, ParsePriority(""))
}

func TestParseTaskType(t *testing.T) {
	tests := map[string]TaskType{
		"development": TaskTypeDevelopment,
		"Feature":     TaskTypeDevelopment,
		"test":        TaskTypeTesting,
		"docs":        TaskTypeDocumentation,
		"research":    TaskTypeResearch,
		"setup":       TaskTypeSetup,
		"whatever":    TaskTypeDevelopment,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseTaskType(in), in)
	}
}

func TestRequiredCapabilities(t *testing.T) {
	task := &Task{
		Type: TaskTypeTesting,
		Tags: []string{"backend", "cap:go", "cap:", "cap:docker"},
	}
	assert.Equal(t, []string{"testing", "go", "docker"}, task.RequiredCapabilities())
}

func TestTaskClone(t *testing.T) {
	done := time.Now()
	orig := &Task{
		ID:                 "T0001",
		AcceptanceCriteria: []string{"a"},
		Dependencies:       []string{"T0002"},
		Tags:               []string{"x"},
		CompletedAt:        &done,
	}

	c := orig.Clone()
	c.AcceptanceCriteria[0] = "changed"
	c.Dependencies = append(c.Dependencies, "T0003")
	c.Tags[0] = "y"
	*c.CompletedAt = done.Add(time.Hour)

	assert.Equal(t, "a", orig.AcceptanceCriteria[0])
	assert.Equal(t, []string{"T0002"}, orig.Dependencies)
	assert.Equal(t, "x", orig.Tags[0])
	assert.Equal(t, done, *orig.CompletedAt)
	assert.True(t, c.DependsOn("T0003"))
	assert.False(t, orig.DependsOn("T0003"))

	var nilTask *Task
	assert.Nil(t, nilTask.Clone())
}
