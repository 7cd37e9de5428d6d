package safety

// DefaultRules returns the seed rule set.
//
// The first four rules are the named registry rules. The rest are the broad keyword
// lists used for high and medium risk requests. Seed ids are stable across restarts so
// enable/disable toggles can be persisted against them.
func DefaultRules() []SecurityRule {
	return []SecurityRule{
		{
			ID:          "seed-database-access",
			Name:        "Database Access",
			Description: "Destructive schema operations against tables or databases",
			Pattern:     `(?i)(DROP|DELETE|TRUNCATE|ALTER)\s+(TABLE|DATABASE)`,
			Tier:        RiskCritical,
			Enabled:     true,
		},
		{
			ID:          "seed-system-commands",
			Name:        "System Commands",
			Description: "Process spawning and shell command execution",
			Pattern:     `(?i)(system|exec|spawn|command)`,
			Tier:        RiskHigh,
			Enabled:     true,
		},
		{
			ID:          "seed-file-operations",
			Name:        "File Operations",
			Description: "Writing or removing files",
			Pattern:     `(?i)(write_file|delete_file|remove_file)`,
			Tier:        RiskMedium,
			Enabled:     true,
		},
		{
			ID:          "seed-network-access",
			Name:        "Network Access",
			Description: "Opening network connections",
			Pattern:     `(?i)(connect|socket|http|https|tcp|udp)`,
			Tier:        RiskMedium,
			Enabled:     true,
		},

		// Broad keyword rules
		{
			ID:          "seed-destructive-data-operations",
			Name:        "Destructive Data Operations",
			Description: "Mentions of databases or data removal",
			Pattern:     `(?i)(database|sql|delete|drop|truncate)`,
			Tier:        RiskHigh,
			Enabled:     true,
		},
		{
			ID:          "seed-process-execution",
			Name:        "Process Execution",
			Description: "Mentions of command or shell execution",
			Pattern:     `(?i)(system|exec|command|shell)`,
			Tier:        RiskHigh,
			Enabled:     true,
		},
		{
			ID:          "seed-file-system-mutation",
			Name:        "File System Mutation",
			Description: "Mentions of file writes or removals",
			Pattern:     `(?i)(file|write|delete|remove)`,
			Tier:        RiskHigh,
			Enabled:     true,
		},
		{
			ID:          "seed-credentials-and-auth",
			Name:        "Credentials And Auth",
			Description: "Changes touching security, authentication or credentials",
			Pattern:     `(?i)(security|auth|password|token)`,
			Tier:        RiskHigh,
			Enabled:     true,
		},
		{
			ID:          "seed-network-surface",
			Name:        "Network Surface",
			Description: "Changes to network or connection handling",
			Pattern:     `(?i)(network|socket|connection)`,
			Tier:        RiskHigh,
			Enabled:     true,
		},
		{
			ID:          "seed-model-and-inference",
			Name:        "Model And Inference",
			Description: "Changes to algorithms or inference behaviour",
			Pattern:     `(?i)(algorithm|model|inference)`,
			Tier:        RiskMedium,
			Enabled:     true,
		},
		{
			ID:          "seed-state-and-caching",
			Name:        "State And Caching",
			Description: "Changes to memory, caches or stores",
			Pattern:     `(?i)(memory|cache|store)`,
			Tier:        RiskMedium,
			Enabled:     true,
		},
		{
			ID:          "seed-configuration",
			Name:        "Configuration",
			Description: "Changes to configuration or parameters",
			Pattern:     `(?i)(config|setting|parameter)`,
			Tier:        RiskMedium,
			Enabled:     true,
		},
	}
}
