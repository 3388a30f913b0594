package config

type secretAccessor struct {
	Path string
	Get  func(*Config) string
}

var secretAccessors = []secretAccessor{
	{
		Path: "dashboard.token",
		Get:  func(c *Config) string { return c.Dashboard.Token },
	},
	{
		Path: "storage.database_url",
		Get:  func(c *Config) string { return c.Storage.DatabaseURL },
	},
}

// MaskSecret keeps the last four characters of values long enough that the
// suffix does not give the secret away.
func MaskSecret(value string) string {
	switch {
	case value == "":
		return ""
	case len(value) < 12:
		return "*****"
	default:
		return "*****" + value[len(value)-4:]
	}
}

// SecretMaskMap returns the configured secrets in masked form, keyed by path.
func SecretMaskMap(cfg *Config) map[string]string {
	result := make(map[string]string)
	if cfg == nil {
		return result
	}
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	for _, accessor := range secretAccessors {
		value := accessor.Get(cfg)
		if value != "" {
			result[accessor.Path] = MaskSecret(value)
		}
	}
	return result
}
