package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"
	FieldRole   = "role"

	// Chat
	FieldConnID  = "conn_id"
	FieldRoomKey = "room_key"
	FieldEvent   = "event"
	FieldMsgID   = "message_id"

	// Service
	FieldService = "service"
)
