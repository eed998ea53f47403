package enum

type Platform uint8

const (
	_platform_beg Platform = iota
	PlatformBinance
	PlatformBinanceFutures
	_platform_end
)

func (p Platform) IsAvailable() bool {
	return p > _platform_beg && p < _platform_end
}

func (p Platform) String() string {
	switch p {
	case PlatformBinance:
		return "binance"
	case PlatformBinanceFutures:
		return "binance_futures"
	default:
		return "unknown"
	}
}
