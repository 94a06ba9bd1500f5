// Package autoload initializes the global logger from LOG_* environment
// variables as a blank-import side effect.
package autoload

import (
	"github.com/kelseyhightower/envconfig"

	logx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/pkg/logger"
)

func init() {
	var conf logx.Config
	if err := envconfig.Process("LOG", &conf); err != nil {
		conf = *logx.DefaultConfig
	}
	logx.Init(conf)
}
