package domain

// Runtime defaults. Every value can be overridden in config.
const (
	DefaultIdleTimeoutSeconds    = 300
	DefaultInvokeTimeoutSeconds  = 30
	DefaultReaperIntervalSeconds = 30

	DefaultToolCacheTTLSeconds   = 300
	DefaultResultCacheTTLSeconds = 30
	DefaultResultCacheCapacity   = 100
	DefaultSchemaCacheTTLSeconds = 600

	DefaultBreakerThreshold       = 5
	DefaultBreakerCooldownSeconds = 60

	DefaultMaxFullIterations = 25

	DefaultRelevanceThreshold   = 0.3
	DefaultSourceTimeoutSeconds = 45

	DefaultObservabilityListenAddress = "127.0.0.1:9194"
)
