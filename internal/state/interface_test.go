package state_test

import (
	"github.com/ShayCichocki/taskweave/internal/decompose"
	"github.com/ShayCichocki/taskweave/internal/ids"
	"github.com/ShayCichocki/taskweave/internal/orchestrator"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/internal/workflow"
)

// DB must satisfy every consumer-declared storage interface.
var (
	_ ids.Storage              = (*state.DB)(nil)
	_ decompose.Store          = (*state.DB)(nil)
	_ workflow.Store           = (*state.DB)(nil)
	_ orchestrator.Store       = (*state.DB)(nil)
	_ orchestrator.StatusStore = (*state.DB)(nil)
)
