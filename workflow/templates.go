package workflow

// Built-in workflow templates seeded at startup via
// Registry.SeedTemplates. They cover the standard content-optimization
// pipelines; submissions clone them, so later template changes never
// reach running instances.

func builtinTemplates() []*Definition {
	return []*Definition{
		contentAuditTemplate(),
		seoOptimizationTemplate(),
		batchRefreshTemplate(),
	}
}

// contentAuditTemplate analyzes a document and produces an audit report.
func contentAuditTemplate() *Definition {
	return &Definition{
		Name:             "content-audit",
		Version:          1,
		Category:         "content",
		Tags:             []string{"audit", "analysis"},
		TimeoutSeconds:   600,
		MaxParallelSteps: 4,
		Steps: []StepSpec{
			{
				ID:       "ingest",
				Name:     "Ingest document",
				Type:     StepAnalysis,
				TaskName: "content.ingest",
				Retry:    DefaultRetryPolicy(),
			},
			{
				ID:        "analyze",
				Name:      "Analyze content",
				Type:      StepParallel,
				DependsOn: []string{"ingest"},
				TaskArgs: map[string]any{
					"tasks": []any{
						map[string]any{"name": "content.analyze_readability", "args": map[string]any{}},
						map[string]any{"name": "content.analyze_keywords", "args": map[string]any{}},
						map[string]any{"name": "content.analyze_structure", "args": map[string]any{}},
					},
				},
				Retry: DefaultRetryPolicy(),
			},
			{
				ID:        "report",
				Name:      "Build audit report",
				Type:      StepTransformation,
				TaskName:  "content.audit_report",
				DependsOn: []string{"analyze"},
				Retry:     DefaultRetryPolicy(),
			},
		},
	}
}

// seoOptimizationTemplate rewrites content when the audit score is low,
// branching on the analyzer's verdict.
func seoOptimizationTemplate() *Definition {
	return &Definition{
		Name:           "seo-optimization",
		Version:        1,
		Category:       "content",
		Tags:           []string{"seo", "optimization"},
		TimeoutSeconds: 900,
		Steps: []StepSpec{
			{
				ID:       "score",
				Name:     "Score current content",
				Type:     StepBranching,
				TaskName: "seo.score",
				Retry:    DefaultRetryPolicy(),
			},
			{
				ID:        "optimize",
				Name:      "Optimize content",
				Type:      StepOptimization,
				TaskName:  "seo.optimize",
				DependsOn: []string{"score"},
				Condition: `ctx.branch == "needs_work"`,
				Retry: RetryPolicy{
					MaxAttempts:       5,
					DelaySeconds:      2,
					BackoffMultiplier: 2.0,
					MaxDelaySeconds:   120,
				},
			},
			{
				ID:           "validate",
				Name:         "Validate optimized content",
				Type:         StepValidation,
				TaskName:     "seo.validate",
				DependsOn:    []string{"optimize"},
				Condition:    `ctx.branch == "needs_work"`,
				Retry:        DefaultRetryPolicy(),
				AllowFailure: true,
			},
			{
				ID:        "notify",
				Name:      "Notify owner",
				Type:      StepNotification,
				TaskName:  "notify.owner",
				DependsOn: []string{"score"},
				Retry:     DefaultRetryPolicy(),
			},
		},
	}
}

// batchRefreshTemplate re-optimizes a batch of documents.
func batchRefreshTemplate() *Definition {
	return &Definition{
		Name:             "batch-refresh",
		Version:          1,
		Category:         "batch",
		Tags:             []string{"batch", "refresh"},
		TimeoutSeconds:   1800,
		MaxParallelSteps: 8,
		Steps: []StepSpec{
			{
				ID:       "collect",
				Name:     "Collect stale documents",
				Type:     StepAnalysis,
				TaskName: "batch.collect_stale",
				Retry:    DefaultRetryPolicy(),
			},
			{
				ID:        "refresh",
				Name:      "Refresh documents",
				Type:      StepParallel,
				DependsOn: []string{"collect"},
				TaskArgs: map[string]any{
					"tasks": []any{
						map[string]any{"name": "batch.refresh_shard", "args": map[string]any{"shard": 0}},
						map[string]any{"name": "batch.refresh_shard", "args": map[string]any{"shard": 1}},
						map[string]any{"name": "batch.refresh_shard", "args": map[string]any{"shard": 2}},
						map[string]any{"name": "batch.refresh_shard", "args": map[string]any{"shard": 3}},
					},
				},
				Retry:        DefaultRetryPolicy(),
				AllowFailure: true,
			},
			{
				ID:        "summarize",
				Name:      "Summarize refresh run",
				Type:      StepNotification,
				TaskName:  "batch.summarize",
				DependsOn: []string{"refresh"},
				Retry:     DefaultRetryPolicy(),
			},
		},
	}
}
