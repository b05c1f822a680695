package config

// StorageConfig selects where raw result payloads are archived.
type StorageConfig struct {
	Type string `mapstructure:"type"` // local, s3, r2, s3compatible, or none

	// Local filesystem
	LocalDir string `mapstructure:"local_dir"`

	// S3-compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`

	// Prefix is prepended to every archive key.
	Prefix string `mapstructure:"prefix"`
}

// Enabled reports whether payloads should be archived at all.
func (c StorageConfig) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}
