package upload

import (
	"fmt"
	"strings"
)

// Operation selects which store call a request is dispatched to. The zero
// value is not a valid operation.
type Operation int

const (
	_ Operation = iota
	Post
	PostStream
	List
	Get
	GetStream
	Delete
)

var operationNames = map[Operation]string{
	Post:       "post",
	PostStream: "post_stream",
	List:       "list",
	Get:        "get",
	GetStream:  "get_stream",
	Delete:     "delete",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

func (op Operation) Valid() bool {
	_, ok := operationNames[op]
	return ok
}

// ParseOperation accepts the operation names case-insensitively, with or
// without separators ("getStream", "get_stream", "get-stream").
func ParseOperation(s string) (Operation, error) {
	normalized := strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	for op, name := range operationNames {
		if strings.ReplaceAll(name, "_", "") == normalized {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrOperationNotSupported, s)
}
