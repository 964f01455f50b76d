package artifacts

import _ "embed"

// DefaultConfig is the configuration template written by `webdavd config init`
// and used as the base layer when loading configuration.
//
//go:embed default_config.yaml
var DefaultConfig []byte
