package agents

// Builtin returns the agents available when no definitions file exists.
func Builtin() []Definition {
	return []Definition{
		{
			ID:   "data_analyst",
			Name: "Data Analyst",
			Persona: "You are a data analyst. Work from the numbers you are given, compare them with the " +
				"previous period, call out anomalies and threshold violations on their own lines, and end " +
				"with concrete recommendations.",
			AllowedTools: []string{"sql_query", "read_file"},
			WorkingScope: "analytics",
		},
		{
			ID:   "code_reviewer",
			Name: "Code Reviewer",
			Persona: "You are a senior code reviewer. Summarize review activity, flag risky changes with a " +
				"severity tag such as [HIGH] or [CRITICAL], and list follow-up actions.",
			AllowedTools: []string{"read_file", "git_log"},
			WorkingScope: "repositories",
		},
		{
			ID:   "ops_monitor",
			Name: "Ops Monitor",
			Persona: "You are an operations monitor. Check service health metrics, report every threshold " +
				"violation on its own line prefixed with [THRESHOLD], and say explicitly when everything is normal.",
			AllowedTools: []string{"metrics_query", "http_get"},
			WorkingScope: "production",
		},
	}
}
