package enum

// Operation is the change applied to a single price level in a delta.
type Operation uint8

const (
	_operation_beg Operation = iota
	OperationAdd
	OperationUpdate
	OperationRemove
	_operation_end
)

func (o Operation) IsAvailable() bool {
	return o > _operation_beg && o < _operation_end
}

func (o Operation) String() string {
	switch o {
	case OperationAdd:
		return "add"
	case OperationUpdate:
		return "update"
	case OperationRemove:
		return "remove"
	default:
		return ""
	}
}

// ParseOperation maps the wire spelling back to an Operation.
// An empty string is treated as add, which is what full snapshots imply.
func ParseOperation(s string) (Operation, bool) {
	switch s {
	case "add", "":
		return OperationAdd, true
	case "update":
		return OperationUpdate, true
	case "remove":
		return OperationRemove, true
	default:
		return 0, false
	}
}
