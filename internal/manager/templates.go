package manager

import "github.com/arxfield/workflow-service/internal/engine"

// seedTemplates are installed on first start alongside the seed workflows.
func seedTemplates() []Template {
	return []Template{
		{
			TemplateID:   "quick_validation",
			Name:         "Quick Validation",
			Description:  "Single-pass validation of one aspect of a building model",
			Category:     "validation",
			WorkflowType: "validation",
			Parameters:   map[string]any{"validation_type": "geometry"},
			Steps: []engine.Step{
				{
					StepID:     "validate",
					Name:       "Validate",
					StepType:   engine.StepValidation,
					Parameters: map[string]any{"validation_type": "geometry"},
					Timeout:    300, RetryCount: 1, RetryDelay: 30, Required: true,
				},
			},
		},
		{
			TemplateID:   "export_and_notify",
			Name:         "Export And Notify",
			Description:  "Export current data and announce the result",
			Category:     "export",
			WorkflowType: "export",
			Parameters:   map[string]any{"format": "json"},
			Steps: []engine.Step{
				{
					StepID:     "export",
					Name:       "Export",
					StepType:   engine.StepExport,
					Parameters: map[string]any{"format": "json"},
					Timeout:    600, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "notify",
					Name:       "Notify",
					StepType:   engine.StepNotify,
					Parameters: map[string]any{"channel": "log", "message": "export finished"},
					Timeout:    300, RetryCount: 3, RetryDelay: 60, Required: false,
				},
			},
		},
		{
			TemplateID:   "api_sync",
			Name:         "API Sync",
			Description:  "Push data to an external endpoint with a delay buffer",
			Category:     "integration",
			WorkflowType: "integration",
			Parameters:   map[string]any{"method": "POST"},
			Steps: []engine.Step{
				{
					StepID:     "buffer",
					Name:       "Buffer",
					StepType:   engine.StepDelay,
					Parameters: map[string]any{"seconds": 1},
					Timeout:    60, RetryCount: 0, RetryDelay: 10, Required: false,
				},
				{
					StepID:     "push",
					Name:       "Push",
					StepType:   engine.StepAPICall,
					Parameters: map[string]any{"method": "POST"},
					Timeout:    120, RetryCount: 3, RetryDelay: 30, Required: true,
				},
			},
		},
	}
}
