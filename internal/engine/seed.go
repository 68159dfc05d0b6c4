package engine

// SeedDefinitions returns the built-in workflows installed on first start.
// They are ordinary definitions: users can update or delete them afterwards.
func SeedDefinitions() []Definition {
	return []Definition{
		{
			WorkflowID:   "bim_validation_workflow",
			Name:         "BIM Validation Workflow",
			Description:  "Validate building model data and apply automatic fixes when issues are found",
			WorkflowType: "validation",
			Timeout:      1800,
			MaxRetries:   3,
			Steps: []Step{
				{
					StepID:     "validate_geometry",
					Name:       "Validate Geometry",
					StepType:   StepValidation,
					Parameters: map[string]any{"validation_type": "geometry"},
					Timeout:    300, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "validate_metadata",
					Name:       "Validate Metadata",
					StepType:   StepValidation,
					Parameters: map[string]any{"validation_type": "metadata"},
					Timeout:    300, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "apply_fixes",
					Name:       "Apply Automatic Fixes",
					StepType:   StepTransform,
					Parameters: map[string]any{"transform_type": "auto_fix"},
					Conditions: []Condition{
						{Type: CondGreaterThan, Field: "issues_found", Value: 0},
					},
					Timeout: 300, RetryCount: 3, RetryDelay: 60, Required: false,
				},
				{
					StepID:     "notify_completion",
					Name:       "Notify Completion",
					StepType:   StepNotify,
					Parameters: map[string]any{"channel": "log", "message": "BIM validation finished"},
					Timeout:    300, RetryCount: 3, RetryDelay: 60, Required: false,
				},
			},
		},
		{
			WorkflowID:   "bim_export_workflow",
			Name:         "BIM Export Workflow",
			Description:  "Export validated building data to the configured destination",
			WorkflowType: "export",
			Timeout:      1800,
			MaxRetries:   3,
			Steps: []Step{
				{
					StepID:     "prepare_export",
					Name:       "Prepare Export Data",
					StepType:   StepTransform,
					Parameters: map[string]any{"transform_type": "export_prepare"},
					Timeout:    300, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "export_data",
					Name:       "Export Data",
					StepType:   StepExport,
					Parameters: map[string]any{"format": "json"},
					Timeout:    600, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "notify_export",
					Name:       "Notify Export Complete",
					StepType:   StepNotify,
					Parameters: map[string]any{"channel": "log", "message": "export finished"},
					Timeout:    300, RetryCount: 3, RetryDelay: 60, Required: false,
				},
			},
		},
		{
			WorkflowID:   "data_processing_workflow",
			Name:         "Scheduled Data Processing",
			Description:  "Nightly aggregation and cleanup of accumulated building data",
			WorkflowType: "processing",
			Schedule:     "0 2 * * *",
			Timeout:      3600,
			MaxRetries:   3,
			Steps: []Step{
				{
					StepID:     "collect_data",
					Name:       "Collect Data",
					StepType:   StepTransform,
					Parameters: map[string]any{"transform_type": "collect"},
					Timeout:    600, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "process_data",
					Name:       "Process Data",
					StepType:   StepTransform,
					Parameters: map[string]any{"transform_type": "aggregate"},
					Timeout:    1200, RetryCount: 3, RetryDelay: 60, Required: true,
				},
				{
					StepID:     "cleanup",
					Name:       "Cleanup Temporary Data",
					StepType:   StepFileOperation,
					Parameters: map[string]any{"operation": "delete", "path": "tmp/processing"},
					Timeout:    300, RetryCount: 0, RetryDelay: 60, Required: false,
				},
			},
		},
	}
}
