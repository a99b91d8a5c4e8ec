package protect

// DefaultPatterns is the built-in Protected File Set and extension allowlist.
// Entries without a slash match that base name anywhere in the tree.
var DefaultPatterns = Patterns{
	Files: []string{
		".env",
		".env.*",
		"app/api/v1/admin.py",
		"app/core/auth.py",
		"app/config/settings.py",
		"contracts/*.sol",
		".git/**",
		".changegate/**",
		"*.pem",
		"*.key",
	},
	Extensions: []string{
		".py", ".ts", ".tsx", ".js", ".jsx",
		".json", ".yaml", ".yml", ".txt", ".md",
	},
}
