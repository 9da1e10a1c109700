package ovsdb

// JSON-RPC method names used by RFC 7047
const (
	MethodListDbs       = "list_dbs"
	MethodGetSchema     = "get_schema"
	MethodTransact      = "transact"
	MethodCancel        = "cancel"
	MethodMonitor       = "monitor"
	MethodMonitorCancel = "monitor_cancel"
	MethodLock          = "lock"
	MethodSteal         = "steal"
	MethodUnlock        = "unlock"
	MethodEcho          = "echo"
	MethodUpdate        = "update"
	MethodLocked        = "locked"
	MethodStolen        = "stolen"
)

// NewListDbsArgs returns the (empty) params of a list_dbs request
func NewListDbsArgs() []interface{} {
	return []interface{}{}
}

// NewGetSchemaArgs creates a new set of arguments for a get_schemas RPC
func NewGetSchemaArgs(schema string) []interface{} {
	return []interface{}{schema}
}

// NewTransactArgs creates a new set of arguments for a transact RPC
func NewTransactArgs(database string, operations ...Operation) []interface{} {
	args := make([]interface{}, 0, len(operations)+1)
	args = append(args, database)
	for _, o := range operations {
		args = append(args, o)
	}
	return args
}

// NewMonitorArgs creates a new set of arguments for a monitor RPC
func NewMonitorArgs(database string, value interface{}, requests map[string]MonitorRequest) []interface{} {
	return []interface{}{database, value, requests}
}

// NewMonitorCancelArgs creates a new set of arguments for a monitor_cancel RPC
func NewMonitorCancelArgs(value interface{}) []interface{} {
	return []interface{}{value}
}

// NewLockArgs creates a new set of arguments for a lock, steal or unlock RPC
func NewLockArgs(id string) []interface{} {
	return []interface{}{id}
}

// NewEchoArgs creates a new set of arguments for an echo RPC
func NewEchoArgs(payload ...interface{}) []interface{} {
	if len(payload) == 0 {
		return []interface{}{"echo"}
	}
	return payload
}

// LockResult is the reply to lock and steal requests
type LockResult struct {
	Locked bool `json:"locked"`
}
