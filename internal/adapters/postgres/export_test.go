package postgres

// Test hooks for the unexported naming and encoding helpers.
var (
	ClaimsFor          = claimsFor
	ChannelFor         = channelFor
	ChannelForFilter   = channelForFilter
	EncodeNotification = encodeNotification
	DecodeNotification = decodeNotification
	DriverError        = driverError
)

const AllChannel = allChannel
