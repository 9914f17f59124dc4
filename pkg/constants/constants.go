package constants

import "time"

// Path namespaces shared with the query executor and the storefront.
// They must not change: external processes read and write the same nodes.
const (
	SearchRequestPath  = "search/request"
	SearchResponsePath = "search/response"

	BasketPath          = "basket"
	BasketHistoryPath   = "basket-history"
	SessionFlowsPath    = "session-flows"
	OrdersPath          = "orders"
	TokenRequestsPath   = "token-requests"
	TokenResponsePath   = "token-response"
	ComparisonPath      = "comparison"
	CategoryPath        = "category"
	GeneralCategoryPath = "general-category"
	ProductPath         = "product"
	AttributesPath      = "attributes"
	TagsPath            = "tags"
	UserPath            = "user"
)

var (
	MemoryScheme          = "mem"
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	RedisScheme           = "redis"
	RedisSecureScheme     = "rediss"
)

const (
	// RequestIDLength size of id sent on WS request
	RequestIDLength = 16
	// CloseMessageCode identifier the message id for a close request
	CloseMessageCode = 1000
	// DefaultWSTimeout bounds a single websocket RPC round-trip
	DefaultWSTimeout = 30 * time.Second
)
