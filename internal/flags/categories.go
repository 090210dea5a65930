package flags

const (
	// BrokerCategory groups flags configuring the auth broker itself.
	BrokerCategory = "LOCAL AUTH BROKER"

	// LoggingCategory groups logging and debugging flags.
	LoggingCategory = "LOGGING AND DEBUGGING"
)
