package vm

import (
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var (
	engineLog    = commonlog.GetLogger("trufflesqueak.engine")
	interruptLog = commonlog.GetLogger("trufflesqueak.interrupts")
	cacheLog     = commonlog.GetLogger("trufflesqueak.cache")
)

const debugLevel = commonlog.Debug
